package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestEventEmitterSpecificEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emitter := NewBaseEventEmitter(ctx)
	ch := make(chan Event)
	emitter.on(ctx, []string{"interesting"}, ch)

	emitter.emit("ignored", nil)
	emitter.emit("interesting", "payload")

	select {
	case ev := <-ch:
		assert.Equal(t, "interesting", ev.Typ)
		assert.Equal(t, "payload", ev.Data)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestEventEmitterAll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emitter := NewBaseEventEmitter(ctx)
	ch := make(chan Event)
	emitter.onAll(ctx, ch)

	emitter.emit("one", nil)
	emitter.emit("two", nil)

	// Each event is delivered in its own goroutine, so arrival order
	// between consecutive emits is not guaranteed.
	var got []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			got = append(got, ev.Typ)
		case <-time.After(time.Second):
			t.Fatal("event was not delivered")
		}
	}
	require.ElementsMatch(t, []string{"one", "two"}, got)
}

func TestEventEmitterCancelledHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emitter := NewBaseEventEmitter(ctx)

	handlerCtx, handlerCancel := context.WithCancel(ctx)
	ch := make(chan Event) // never read
	emitter.on(handlerCtx, []string{"ev"}, ch)
	handlerCancel()

	// Emitting to a cancelled handler must not block the emitter.
	done := make(chan struct{})
	go func() {
		emitter.emit("ev", nil)
		emitter.emit("ev", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a cancelled handler")
	}
}

func TestEventEmitterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	emitter := NewBaseEventEmitter(ctx)
	ch := make(chan Event, 1)
	emitter.on(ctx, []string{"ev"}, ch)
	emitter.emit("ev", nil)
	<-ch

	cancel()
	goleak.VerifyNone(t)
}

//go:build !linux

package chromium

import "os/exec"

// killAfterParent is a no-op on platforms without parent-death signals;
// the context cancellation in Allocate handles process teardown.
func killAfterParent(_ *exec.Cmd) {}

//go:build !unix

package sandbox

import "os/exec"

// setProcessGroup is a no-op where process groups are unavailable; the
// context cancellation still kills the direct child.
func setProcessGroup(cmd *exec.Cmd) {}

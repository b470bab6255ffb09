//go:build !unix

package operation

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

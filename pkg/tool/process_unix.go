//go:build unix

package tool

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the tool in a new process group and makes context
// cancellation kill the whole group, including children the tool spawned
// (yt-dlp runs ffmpeg for merges and audio extraction).
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

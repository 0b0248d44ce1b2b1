//go:build windows

package process

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// terminate 在 Windows 上没有进程组信号，直接结束子进程。
func terminate(p *os.Process, force bool) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

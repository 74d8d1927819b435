package wrapper

import (
	"errors"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bnema/reencode/internal/port"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// processGroup signals the process group led by pid.
type processGroup struct {
	pid  int
	done chan struct{}
	once sync.Once
}

func newProcessGroup(pid int) *processGroup {
	return &processGroup{pid: pid, done: make(chan struct{})}
}

func (p *processGroup) Terminate() error {
	return p.signal(unix.SIGTERM)
}

func (p *processGroup) Kill() error {
	return p.signal(unix.SIGKILL)
}

func (p *processGroup) Done() <-chan struct{} {
	return p.done
}

func (p *processGroup) markExited() {
	p.once.Do(func() { close(p.done) })
}

func (p *processGroup) signal(sig unix.Signal) error {
	select {
	case <-p.done:
		// reaped; the pid may already belong to someone else
		return port.ErrProcessGone
	default:
	}

	pgid, err := unix.Getpgid(p.pid)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			return port.ErrProcessGone
		}
		return err
	}
	if err := unix.Kill(-pgid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return port.ErrProcessGone
		}
		return err
	}
	return nil
}

var _ port.ProcessHandle = (*processGroup)(nil)

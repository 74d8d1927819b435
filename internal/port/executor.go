package port

import (
	"context"
	"errors"
	"time"

	"github.com/bnema/reencode/internal/domain"
)

// ErrProcessGone is returned by a ProcessHandle whose process group no
// longer exists.
var ErrProcessGone = errors.New("process already exited")

// ProcessHandle controls the process group of a running conversion.
type ProcessHandle interface {
	// Terminate asks the whole group to exit (SIGTERM).
	Terminate() error
	// Kill forcefully stops the whole group (SIGKILL).
	Kill() error
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
}

type ProgressFunc func(snap domain.Snapshot)

type ProcessReadyFunc func(h ProcessHandle)

type ExecuteRequest struct {
	JobID      int64
	SourceFile string
	OutputFile string
	Settings   domain.ConversionSettings
}

// Executor runs one conversion to completion. It never returns an error:
// failures are folded into success=false and the returned log.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest, onProgress ProgressFunc, onReady ProcessReadyFunc) (success bool, log string)
}

// StopProcess runs the cancellation sequence against h: SIGTERM to the
// group, up to grace for it to exit, then SIGKILL. A group that is already
// gone counts as stopped.
func StopProcess(h ProcessHandle, grace time.Duration) (bool, error) {
	if err := h.Terminate(); err != nil {
		if errors.Is(err, ErrProcessGone) {
			return true, nil
		}
		return false, err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.Done():
		return true, nil
	case <-timer.C:
	}

	if err := h.Kill(); err != nil && !errors.Is(err, ErrProcessGone) {
		return true, err
	}
	return true, nil
}

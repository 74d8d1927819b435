package wrapper

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bnema/reencode/internal/infrastructure/logger"
	"github.com/bnema/reencode/internal/port"
)

var (
	ErrEmptyPath   = errors.New("path is empty")
	ErrInvalidPath = errors.New("path contains null byte")
)

const (
	maxLineBytes    = 1 << 20
	maxLoggedMarker = 200
)

// Executor runs the conversion wrapper script and translates its stdout
// protocol into progress snapshots.
type Executor struct {
	script      string
	tempDir     string
	execPath    string
	cancelGrace time.Duration
	log         *logger.Logger
	now         func() time.Time
}

func NewExecutor(script, tempDir, execPath string, cancelGrace time.Duration, log *logger.Logger) *Executor {
	return &Executor{
		script:      script,
		tempDir:     tempDir,
		execPath:    execPath,
		cancelGrace: cancelGrace,
		log:         log.Named("executor"),
		now:         time.Now,
	}
}

func validatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if strings.ContainsRune(path, 0) {
		return ErrInvalidPath
	}
	return nil
}

// command builds the wrapper invocation. The child gets its own process group
// and only TEMP_DIR and a fixed PATH in its environment.
func (e *Executor) command(req port.ExecuteRequest) (*exec.Cmd, error) {
	if err := validatePath(req.SourceFile); err != nil {
		return nil, fmt.Errorf("invalid input path: %w", err)
	}
	if err := validatePath(req.OutputFile); err != nil {
		return nil, fmt.Errorf("invalid output path: %w", err)
	}

	args := append([]string{req.SourceFile, req.OutputFile}, req.Settings.Args()...)
	cmd := exec.Command(e.script, args...)
	cmd.Env = []string{
		"TEMP_DIR=" + e.tempDir,
		"PATH=" + e.execPath,
	}
	setProcessGroup(cmd)
	return cmd, nil
}

func (e *Executor) Execute(ctx context.Context, req port.ExecuteRequest, onProgress port.ProgressFunc, onReady port.ProcessReadyFunc) (bool, string) {
	tr := NewTracker()
	emit := func() {
		if onProgress == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				e.log.Errorf("job %d: progress callback panicked: %v", req.JobID, r)
			}
		}()
		onProgress(tr.Snapshot())
	}

	e.log.Infof("starting job %d: %s -> %s",
		req.JobID, logger.SanitizeForLog(req.SourceFile), logger.SanitizeForLog(req.OutputFile))

	success, err := e.run(ctx, req, tr, emit, onReady)
	if err != nil {
		e.log.Errorf("exception in job %d: %v", req.JobID, err)
		tr.AppendLog("EXCEPTION: " + err.Error())
		return false, tr.Log()
	}

	if success {
		e.log.Infof("job %d completed successfully", req.JobID)
		tr.Complete()
		emit()
	}
	return success, tr.Log()
}

func (e *Executor) run(ctx context.Context, req port.ExecuteRequest, tr *Tracker, emit func(), onReady port.ProcessReadyFunc) (bool, error) {
	cmd, err := e.command(req)
	if err != nil {
		return false, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start %s: %w", e.script, err)
	}

	handle := newProcessGroup(cmd.Process.Pid)
	if onReady != nil {
		onReady(handle)
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go e.stopOnCancel(ctx, handle, stopWatch)

	var stderrBuf bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&stderrBuf, stderr)
		return err
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			raw := scanner.Text()
			if tr.Advance(raw, e.now()) {
				emit()
			}
			if line := Classify(raw); line.Kind != LineField && line.Kind != LineText {
				e.log.Debugf("job %d %s: %s", req.JobID, line.Kind, logger.Clip(line.Value, maxLoggedMarker))
			}
		}
		if err := scanner.Err(); err != nil {
			// keep the pipe drained so the child never blocks on a full buffer
			_, _ = io.Copy(io.Discard, stdout)
			return fmt.Errorf("read stdout: %w", err)
		}
		return nil
	})
	streamErr := g.Wait()

	waitErr := cmd.Wait()
	handle.markExited()

	if text := strings.TrimSpace(stderrBuf.String()); text != "" {
		tr.AppendLog("STDERR: " + text)
	}

	if streamErr != nil {
		return false, streamErr
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return false, fmt.Errorf("wait: %w", waitErr)
		}
		e.log.Errorf("job %d failed with exit code %d", req.JobID, exitErr.ExitCode())
		return false, nil
	}
	return true, nil
}

// stopOnCancel tears the child down when ctx ends before the process does.
func (e *Executor) stopOnCancel(ctx context.Context, h *processGroup, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-h.Done():
		return
	case <-ctx.Done():
	}
	e.log.Warnf("context ended, stopping process group %d", h.pid)
	if _, err := port.StopProcess(h, e.cancelGrace); err != nil {
		e.log.Errorf("stop process group %d: %v", h.pid, err)
	}
}

var _ port.Executor = (*Executor)(nil)

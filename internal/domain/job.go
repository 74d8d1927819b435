package domain

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// FinishedStatuses lists the terminal states, in display order.
var FinishedStatuses = []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing:
		return true
	default:
		return s.IsTerminal()
	}
}

// canTransition enforces pending -> processing -> {completed|failed|cancelled}.
// A pending job may also fail directly when it cannot be started.
func canTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusFailed
	case JobStatusProcessing:
		return to.IsTerminal()
	default:
		return false
	}
}

const (
	DefaultFailureMessage = "Conversion failed"
	CancelledMessage      = "Cancelled by user"
)

type Job struct {
	ID              int64      `json:"id"`
	SourceFile      string     `json:"source_file"`
	OutputFile      string     `json:"output_file"`
	Mode            Mode       `json:"mode"`
	Settings        string     `json:"settings"`
	Status          JobStatus  `json:"status"`
	ProgressPercent float64    `json:"progress_percent"`
	ETASeconds      *int64     `json:"eta_seconds"`
	CurrentFPS      *float64   `json:"current_fps"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	ErrorMessage    *string    `json:"error_message"`
	Log             string     `json:"log"`
}

// NewJob builds a pending job for sourceFile. The output lands next to the
// source as <stem>_conv<ext>.
func NewJob(sourceFile string, mode Mode, settings ConversionSettings) (*Job, error) {
	blob, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}

	return &Job{
		SourceFile: sourceFile,
		OutputFile: OutputPath(sourceFile),
		Mode:       mode,
		Settings:   string(blob),
		Status:     JobStatusPending,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func OutputPath(sourceFile string) string {
	ext := filepath.Ext(sourceFile)
	stem := strings.TrimSuffix(filepath.Base(sourceFile), ext)
	return filepath.Join(filepath.Dir(sourceFile), stem+"_conv"+ext)
}

// ParseSettings decodes the stored settings blob. An empty blob yields the
// preset of the job's mode.
func (j *Job) ParseSettings() (ConversionSettings, error) {
	if strings.TrimSpace(j.Settings) == "" || j.Settings == "{}" {
		return PresetFor(j.Mode), nil
	}
	settings := PresetFor(j.Mode)
	if err := json.Unmarshal([]byte(j.Settings), &settings); err != nil {
		return ConversionSettings{}, fmt.Errorf("decode settings for job %d: %w", j.ID, err)
	}
	return settings, nil
}

// Transition moves the job to status, rejecting edges outside the state machine.
func (j *Job) Transition(to JobStatus) error {
	if !canTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	return nil
}

func (j *Job) MarkProcessing(now time.Time) error {
	if err := j.Transition(JobStatusProcessing); err != nil {
		return err
	}
	j.StartedAt = &now
	return nil
}

// Finish records the terminal status. A completed job always ends at 100%;
// failed and cancelled jobs keep their last reported percent.
func (j *Job) Finish(status JobStatus, errMsg string, log string, now time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	if err := j.Transition(status); err != nil {
		return err
	}
	j.CompletedAt = &now
	j.Log = log
	if status == JobStatusCompleted {
		j.ProgressPercent = 100
		j.ErrorMessage = nil
	} else {
		msg := errMsg
		j.ErrorMessage = &msg
	}
	return nil
}

// ApplySnapshot overwrites the live progress fields from one emission.
func (j *Job) ApplySnapshot(s Snapshot) {
	j.ProgressPercent = s.Percent
	eta := s.ETASeconds
	j.ETASeconds = &eta
	fps := s.FPS
	j.CurrentFPS = &fps
	j.Log = s.CurrentLog
}

// LastErrorLine returns the last "ERROR:" line of log, or the default
// failure message when none is present.
func LastErrorLine(log string) string {
	lines := strings.Split(log, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], "ERROR:") {
			return lines[i]
		}
	}
	return DefaultFailureMessage
}

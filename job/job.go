package job

import (
	"errors"
	"fmt"
	"time"

	"fileconv/convert"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrDuplicateJob   = errors.New("job already exists")
	ErrSourceNotFound = errors.New("source file not found")
)

// TerminalStateError is returned when a finished job is asked to change.
type TerminalStateError struct {
	Status Status
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("job already %s", e.Status)
}

// ValidationError rejects a conversion request before any job exists.
type ValidationError struct {
	Message          string
	SupportedFormats []string
}

func (e *ValidationError) Error() string { return e.Message }

type Job struct {
	ID               string          `json:"jobId"`
	Status           Status          `json:"status"`
	Progress         int             `json:"progress"`
	OriginalFilename string          `json:"originalFilename"`
	InputFormat      string          `json:"inputFormat"`
	OutputFormat     string          `json:"outputFormat"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	DownloadURL      string          `json:"downloadUrl,omitempty"`
	InputPath        string          `json:"-"`
	OutputPath       string          `json:"-"`
	Options          convert.Options `json:"-"`
}

func (j *Job) finish(to Status, now time.Time) error {
	if j.Status.IsTerminal() {
		return &TerminalStateError{Status: j.Status}
	}
	if j.Status != StatusProcessing && to != StatusCancelled {
		return fmt.Errorf("invalid transition %s -> %s", j.Status, to)
	}
	j.Status = to
	j.CompletedAt = &now
	return nil
}

// Complete records a successful conversion.
func (j *Job) Complete(outputPath string, now time.Time) error {
	if err := j.finish(StatusCompleted, now); err != nil {
		return err
	}
	j.Progress = 100
	j.OutputPath = outputPath
	return nil
}

// Fail records an adapter failure.
func (j *Job) Fail(message string, now time.Time) error {
	if err := j.finish(StatusFailed, now); err != nil {
		return err
	}
	j.Error = message
	return nil
}

// Cancel records a user cancellation. Cancelled jobs carry no error text.
func (j *Job) Cancel(now time.Time) error {
	if err := j.finish(StatusCancelled, now); err != nil {
		return err
	}
	j.Error = ""
	return nil
}

// SetProgress raises progress while processing. It reports false, leaving
// the job untouched, when the value would not advance it.
func (j *Job) SetProgress(p int) bool {
	if j.Status != StatusProcessing {
		return false
	}
	p = convert.Clamp(p)
	if p <= j.Progress {
		return false
	}
	j.Progress = p
	return true
}

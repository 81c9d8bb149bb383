// Package convert defines the contract shared by the conversion adapters and
// the Handle used to abort their external processes.
package convert

import (
	"context"
	"path/filepath"
)

// ProgressFunc receives a completion percentage in the range 0-100.
type ProgressFunc func(percent int)

// Options carries the user-tunable knobs of a conversion. Adapters ignore
// fields that do not apply to them.
type Options struct {
	Quality      int    `json:"quality,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	FPS          int    `json:"fps,omitempty"`
	VideoBitrate string `json:"videoBitrate,omitempty"`
	AudioBitrate string `json:"audioBitrate,omitempty"`
	ExtraArgs    string `json:"extraArgs,omitempty"`
}

// Request describes one conversion.
type Request struct {
	JobID        string
	InputPath    string
	InputFormat  string
	OutputFormat string
	OutputDir    string
	Options      Options
	OnProgress   ProgressFunc
	Handle       *Handle
}

// Converter turns an input file into an output file of another format.
type Converter interface {
	Convert(ctx context.Context, req Request) (outputPath string, err error)
}

// OutputPath is the default artifact location for a request.
func (r Request) OutputPath(ext string) string {
	return filepath.Join(r.OutputDir, r.JobID+"."+ext)
}

// Report forwards percent to OnProgress when set.
func (r Request) Report(percent int) {
	if r.OnProgress != nil {
		r.OnProgress(percent)
	}
}

// Clamp bounds a percentage to 0-100.
func Clamp(percent int) int {
	switch {
	case percent < 0:
		return 0
	case percent > 100:
		return 100
	}
	return percent
}

// Package probe detects optional external tools and remembers the answer for
// the lifetime of the process.
package probe

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Requirement defines an external tool the converters may use.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a tool.
type Status struct {
	Requirement
	Available bool
	Path      string
	Detail    string
}

// Known lists every tool the converters know how to drive.
var Known = []Requirement{
	{Name: "FFmpeg", Command: "ffmpeg", Description: "video transcoding, placeholder images"},
	{Name: "pdftoppm", Command: "pdftoppm", Description: "PDF rasterizer (poppler)", Optional: true},
	{Name: "ImageMagick", Command: "magick", Description: "PDF rasterizer, placeholder images", Optional: true},
	{Name: "ImageMagick (legacy)", Command: "convert", Description: "PDF rasterizer for ImageMagick 6", Optional: true},
	{Name: "pdfimages", Command: "pdfimages", Description: "embedded image extraction", Optional: true},
	{Name: "pdfinfo", Command: "pdfinfo", Description: "PDF page count", Optional: true},
	{Name: "zip", Command: "zip", Description: "multi-page bundle archiver", Optional: true},
}

// Prober caches LookPath results. The zero value is not usable; use New.
type Prober struct {
	mu       sync.Mutex
	cache    map[string]string
	lookPath func(string) (string, error)
}

// New returns a Prober backed by exec.LookPath.
func New() *Prober {
	return NewWithLookPath(exec.LookPath)
}

// NewWithLookPath returns a Prober using a custom lookup function.
func NewWithLookPath(lookPath func(string) (string, error)) *Prober {
	return &Prober{
		cache:    make(map[string]string),
		lookPath: lookPath,
	}
}

// IsAvailable reports whether command resolves to an executable.
func (p *Prober) IsAvailable(command string) bool {
	return p.Path(command) != ""
}

// Path returns the resolved executable path or "" when unavailable.
func (p *Prober) Path(command string) string {
	command = strings.TrimSpace(command)
	if command == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if path, ok := p.cache[command]; ok {
		return path
	}
	path, err := p.lookPath(command)
	if err != nil {
		path = ""
	}
	p.cache[command] = path
	return path
}

// FirstAvailable returns the first command that resolves, or "".
func (p *Prober) FirstAvailable(commands ...string) string {
	for _, c := range commands {
		if p.IsAvailable(c) {
			return c
		}
	}
	return ""
}

// Check evaluates the provided requirements and reports availability.
func (p *Prober) Check(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		status := Status{Requirement: req}
		switch path := p.Path(req.Command); {
		case strings.TrimSpace(req.Command) == "":
			status.Detail = "command not configured"
		case path == "":
			status.Detail = fmt.Sprintf("binary %q not found", req.Command)
		default:
			status.Available = true
			status.Path = path
		}
		results = append(results, status)
	}
	return results
}

package ffmpeg

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	durationPattern = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	timePattern     = regexp.MustCompile(`time=\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// progressTracker turns ffmpeg status lines into a non-decreasing percentage.
type progressTracker struct {
	total time.Duration
	last  int
}

func newProgressTracker() *progressTracker {
	return &progressTracker{last: -1}
}

// Feed consumes one line of ffmpeg output and returns the new percentage and
// true when it advanced.
func (p *progressTracker) Feed(line string) (int, bool) {
	if p.total <= 0 {
		if d, ok := parseClock(durationPattern, line); ok && d > 0 {
			p.total = d
		}
		return 0, false
	}
	elapsed, ok := parseClock(timePattern, line)
	if !ok {
		return 0, false
	}
	percent := int(float64(elapsed) / float64(p.total) * 100)
	if percent < 0 {
		percent = 0
	}
	if percent > 99 {
		// 100 is reserved for a clean exit.
		percent = 99
	}
	if percent <= p.last {
		return p.last, false
	}
	p.last = percent
	return percent, true
}

func parseClock(re *regexp.Regexp, line string) (time.Duration, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	min, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}
	sec, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	d := time.Duration(h)*time.Hour + time.Duration(min)*time.Minute + time.Duration(sec*float64(time.Second))
	return d, true
}

// scanLines is a bufio.SplitFunc that breaks on either '\n' or '\r', since
// ffmpeg rewrites its status line in place with carriage returns.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tail keeps the last n non-empty lines written to it.
type tail struct {
	n     int
	lines []string
}

func (t *tail) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) String() string {
	return strings.Join(t.lines, "\n")
}

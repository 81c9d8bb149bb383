package ffmpeg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fileconv/config"
	"fileconv/convert"
	"fileconv/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const okScript = `#!/bin/sh
for last; do :; done
echo "  Duration: 00:00:10.00, start: 0.000000, bitrate: 1 kb/s" 1>&2
printf 'frame=1 time=00:00:02.50 bitrate=1\r' 1>&2
printf 'frame=2 time=00:00:05.00 bitrate=1\r' 1>&2
printf 'frame=3 time=00:00:04.00 bitrate=1\r' 1>&2
printf 'frame=4 time=00:00:07.50 bitrate=1\n' 1>&2
echo converted > "$last"
`

const failScript = `#!/bin/sh
echo "input.mp4: Invalid data found when processing input" 1>&2
exit 1
`

const slowScript = `#!/bin/sh
echo "  Duration: 00:01:40.00, start: 0.000000" 1>&2
printf 'frame=1 time=00:00:05.00 bitrate=1\r' 1>&2
exec sleep 30
`

func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type recorder struct {
	mu     sync.Mutex
	values []int
	first  chan struct{}
	once   sync.Once
}

func newRecorder() *recorder {
	return &recorder{first: make(chan struct{})}
}

func (r *recorder) report(p int) {
	r.mu.Lock()
	r.values = append(r.values, p)
	r.mu.Unlock()
	r.once.Do(func() { close(r.first) })
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.values...)
}

func newRequest(t *testing.T, h *convert.Handle, rec *recorder) convert.Request {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.mp4")
	require.NoError(t, os.WriteFile(input, []byte("fake"), 0o644))
	return convert.Request{
		JobID:        "job1",
		InputPath:    input,
		InputFormat:  "mp4",
		OutputFormat: "webm",
		OutputDir:    dir,
		OnProgress:   rec.report,
		Handle:       h,
	}
}

func TestRunnerConvert(t *testing.T) {
	t.Run("successful transcode reports progress", func(t *testing.T) {
		cfg := &config.Config{FFBin: writeStub(t, okScript)}
		runner := NewRunner(cfg, logging.Discard())
		h := convert.NewHandle(context.Background())
		defer h.Release()
		rec := newRecorder()
		req := newRequest(t, h, rec)

		out, err := runner.Convert(h.Context(), req)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(req.OutputDir, "job1.webm"), out)
		assert.FileExists(t, out)
		assert.Equal(t, []int{25, 50, 75, 100}, rec.snapshot())
	})

	t.Run("non-zero exit is a conversion error", func(t *testing.T) {
		cfg := &config.Config{FFBin: writeStub(t, failScript)}
		runner := NewRunner(cfg, logging.Discard())
		h := convert.NewHandle(context.Background())
		defer h.Release()
		req := newRequest(t, h, newRecorder())

		_, err := runner.Convert(h.Context(), req)
		var cerr *convert.ConversionError
		require.True(t, errors.As(err, &cerr))
		assert.Equal(t, "ffmpeg execution failed", cerr.Message)
		assert.Contains(t, cerr.Detail, "Invalid data found")
		assert.NoFileExists(t, req.OutputPath("webm"))
	})

	t.Run("kill mid-flight is a cancellation", func(t *testing.T) {
		cfg := &config.Config{FFBin: writeStub(t, slowScript)}
		runner := NewRunner(cfg, logging.Discard())
		h := convert.NewHandle(context.Background())
		defer h.Release()
		rec := newRecorder()
		req := newRequest(t, h, rec)

		done := make(chan error, 1)
		go func() {
			_, err := runner.Convert(h.Context(), req)
			done <- err
		}()

		select {
		case <-rec.first:
		case <-time.After(10 * time.Second):
			t.Fatal("no progress reported")
		}
		progress := rec.snapshot()
		require.NotEmpty(t, progress)
		assert.Equal(t, 5, progress[0])

		found, err := h.Kill()
		assert.True(t, found)
		assert.NoError(t, err)

		select {
		case err := <-done:
			assert.ErrorIs(t, err, convert.ErrCancelled)
		case <-time.After(10 * time.Second):
			t.Fatal("conversion did not stop after kill")
		}
		assert.Equal(t, 0, h.Running())
	})

	t.Run("killed handle never starts ffmpeg", func(t *testing.T) {
		marker := filepath.Join(t.TempDir(), "started")
		cfg := &config.Config{FFBin: writeStub(t, "#!/bin/sh\ntouch "+marker+"\n")}
		runner := NewRunner(cfg, logging.Discard())
		h := convert.NewHandle(context.Background())
		defer h.Release()
		_, err := h.Kill()
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			_, err = runner.Convert(h.Context(), newRequest(t, h, newRecorder()))
			assert.ErrorIs(t, err, convert.ErrCancelled)
		}
		assert.NoFileExists(t, marker)
		assert.Equal(t, 0, h.Running())
	})

	t.Run("missing binary", func(t *testing.T) {
		cfg := &config.Config{FFBin: "definitely-not-ffmpeg"}
		runner := NewRunner(cfg, logging.Discard())
		_, err := runner.Convert(context.Background(), newRequest(t, nil, newRecorder()))
		var cerr *convert.ConversionError
		assert.True(t, errors.As(err, &cerr))
	})

	t.Run("rejected extra args", func(t *testing.T) {
		cfg := &config.Config{FFBin: writeStub(t, okScript)}
		runner := NewRunner(cfg, logging.Discard())
		req := newRequest(t, nil, newRecorder())
		req.Options.ExtraArgs = "-i /etc/passwd"
		_, err := runner.Convert(context.Background(), req)
		var cerr *convert.ConversionError
		require.True(t, errors.As(err, &cerr))
		assert.Equal(t, "invalid extra arguments", cerr.Message)
	})
}

func TestProgressTracker(t *testing.T) {
	p := newProgressTracker()
	_, ok := p.Feed("frame=1 time=00:00:01.00")
	assert.False(t, ok, "no duration known yet")

	_, ok = p.Feed("  Duration: 01:00:00.00, start: 0.0")
	assert.False(t, ok)

	v, ok := p.Feed("frame=1 time=00:30:00.00 bitrate=1")
	assert.True(t, ok)
	assert.Equal(t, 50, v)

	_, ok = p.Feed("frame=1 time=00:10:00.00 bitrate=1")
	assert.False(t, ok, "progress never goes backwards")

	v, ok = p.Feed("frame=1 time=02:00:00.00 bitrate=1")
	assert.True(t, ok)
	assert.Equal(t, 99, v)
}

func TestBuildArgs(t *testing.T) {
	args := BuildArgs("in.mov", "out.mp4", "mp4", convert.Options{Width: 640, Quality: 100}, []string{"-preset", "fast"})
	assert.Equal(t, []string{
		"-hide_banner", "-nostdin", "-y", "-i", "in.mov",
		"-c:v", "libx264", "-preset", "medium", "-c:a", "aac", "-crf", "18",
		"-movflags", "+faststart",
		"-vf", "scale=640:-2",
		"-preset", "fast",
		"out.mp4",
	}, args)

	args = BuildArgs("in.mp4", "out.mp3", "mp3", convert.Options{Width: 640, AudioBitrate: "192k"}, nil)
	assert.Equal(t, []string{
		"-hide_banner", "-nostdin", "-y", "-i", "in.mp4",
		"-vn", "-c:a", "libmp3lame", "-q:a", "2",
		"-b:a", "192k",
		"out.mp3",
	}, args)

	args = BuildArgs("in.mp4", "out.gif", "gif", convert.Options{}, nil)
	assert.Contains(t, args, "fps=10,scale=480:-1:flags=lanczos")
}

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fileconv/config"
	"fileconv/convert"
	"fileconv/format"
	"fileconv/imgconv"
	"fileconv/job"
	"fileconv/logging"
	"fileconv/probe"
	"fileconv/progress"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingConverter reports a little progress and then waits to be cancelled.
type blockingConverter struct{}

func (blockingConverter) Convert(ctx context.Context, req convert.Request) (string, error) {
	req.Report(10)
	<-ctx.Done()
	return "", convert.ErrCancelled
}

type testEnv struct {
	router      *gin.Engine
	cfg         *config.Config
	manager     *job.Manager
	broadcaster *progress.Broadcaster
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	cfg := &config.Config{
		UploadDir:     filepath.Join(dir, "uploads"),
		OutputDir:     filepath.Join(dir, "converted"),
		MaxUploadSize: 1 << 20,
		PingInterval:  50 * time.Millisecond,
	}
	require.NoError(t, os.MkdirAll(cfg.UploadDir, 0o755))

	logger := logging.Discard()
	formats := format.NewRegistry()
	b := progress.New(logger)
	mgr, err := job.NewManager(cfg, job.Deps{
		Formats: formats,
		Converters: map[format.Family]convert.Converter{
			format.FamilyVideo:    blockingConverter{},
			format.FamilyImage:    imgconv.New(logger),
			format.FamilyDocument: blockingConverter{},
		},
		Publisher: b,
		Logger:    logger,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		mgr.Wait()
	})

	tools := probe.NewWithLookPath(func(string) (string, error) { return "", exec.ErrNotFound })
	router := SetupRouter(cfg, Deps{
		Manager:     mgr,
		Formats:     formats,
		Broadcaster: b,
		Tools:       tools,
		Logger:      logger,
	})
	return &testEnv{router: router, cfg: cfg, manager: mgr, broadcaster: b}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: uint8(x * 30), B: uint8(y * 30), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// stage places a file in the upload directory the way handleUpload names it.
func (e *testEnv) stage(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(e.cfg.UploadDir, "Ab12Cd34_"+name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func (e *testEnv) do(method, target string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) convert(t *testing.T, path, output string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(ConvertRequest{FilePath: path, OutputFormat: output})
	require.NoError(t, err)
	return e.do(http.MethodPost, "/api/convert", body)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestHandleUpload(t *testing.T) {
	env := setupTestRouter(t)

	upload := func(name string, data []byte) *httptest.ResponseRecorder {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodPost, "/api/upload", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		env.router.ServeHTTP(w, req)
		return w
	}

	t.Run("image", func(t *testing.T) {
		w := upload("my photo.png", pngBytes(t))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode(t, w)
		assert.Equal(t, "my-photo.png", resp["filename"])
		assert.Equal(t, "png", resp["detectedFormat"])
		assert.Equal(t, "image/png", resp["mimeType"])

		path := resp["path"].(string)
		assert.FileExists(t, path)
		assert.Equal(t, env.cfg.UploadDir, filepath.Dir(path))
		assert.True(t, strings.HasSuffix(path, "_my-photo.png"))
	})

	t.Run("unsupported type", func(t *testing.T) {
		w := upload("report.docx", []byte("PK"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NotEmpty(t, decode(t, w)["supportedFormats"])
	})

	t.Run("missing file field", func(t *testing.T) {
		w := env.do(http.MethodPost, "/api/upload", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleConvert_PNGToWebP(t *testing.T) {
	env := setupTestRouter(t)
	input := env.stage(t, "photo.png", pngBytes(t))

	w := env.convert(t, input, "webp")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	jobID := decode(t, w)["jobId"].(string)
	require.NotEmpty(t, jobID)

	var status map[string]any
	require.Eventually(t, func() bool {
		status = decode(t, env.do(http.MethodGet, "/api/progress/"+jobID, nil))
		return status["status"] == "completed"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(100), status["progress"])
	assert.Equal(t, "photo.png", status["originalFilename"])
	assert.Contains(t, status["downloadUrl"], "/api/download/"+jobID)
	assert.NoFileExists(t, input)

	dl := env.do(http.MethodGet, "/api/download/"+jobID, nil)
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Equal(t, "image/webp", dl.Header().Get("Content-Type"))
	assert.Contains(t, dl.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, dl.Header().Get("Content-Disposition"), "photo.webp")
	assert.NotZero(t, dl.Body.Len())

	cancelled := env.do(http.MethodPost, "/api/cancel/"+jobID, nil)
	require.Equal(t, http.StatusBadRequest, cancelled.Code)
	assert.Contains(t, decode(t, cancelled)["message"], "already completed")
	after := decode(t, env.do(http.MethodGet, "/api/progress/"+jobID, nil))
	assert.Equal(t, "completed", after["status"])
	assert.Equal(t, float64(100), after["progress"])
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/download/"+jobID, nil).Code)

	list := env.do(http.MethodGet, "/api/jobs", nil)
	var jobs []job.Job
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].ID)
}

func TestHandleConvert_Rejections(t *testing.T) {
	env := setupTestRouter(t)

	t.Run("unsupported pair", func(t *testing.T) {
		w := env.convert(t, env.stage(t, "anim.gif", []byte("GIF89a")), "docx")
		require.Equal(t, http.StatusBadRequest, w.Code)
		resp := decode(t, w)
		assert.NotEmpty(t, resp["message"])

		var got []string
		for _, f := range resp["supportedFormats"].([]any) {
			got = append(got, f.(string))
		}
		assert.Equal(t, format.NewRegistry().SupportedOutputFormats("gif"), got)
	})

	t.Run("missing file", func(t *testing.T) {
		w := env.convert(t, filepath.Join(env.cfg.UploadDir, "nothing.mp4"), "webm")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("path outside upload dir", func(t *testing.T) {
		outside := filepath.Join(t.TempDir(), "secret.png")
		require.NoError(t, os.WriteFile(outside, pngBytes(t), 0o644))
		w := env.convert(t, outside, "jpg")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.FileExists(t, outside)
	})

	t.Run("malformed body", func(t *testing.T) {
		w := env.do(http.MethodPost, "/api/convert", []byte(`{"filePath": ""}`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	assert.Empty(t, env.manager.List())
}

func TestHandleCancel(t *testing.T) {
	env := setupTestRouter(t)
	input := env.stage(t, "clip.mp4", []byte("not really a video"))

	w := env.convert(t, input, "webm")
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := decode(t, w)["jobId"].(string)

	dl := env.do(http.MethodGet, "/api/download/"+jobID, nil)
	require.Equal(t, http.StatusBadRequest, dl.Code)
	pending := decode(t, dl)
	assert.Equal(t, "processing", pending["status"])
	assert.Contains(t, pending, "progress")

	first := env.do(http.MethodPost, "/api/cancel/"+jobID, nil)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	resp := decode(t, first)
	assert.Equal(t, "cancelled", resp["status"])
	assert.Equal(t, true, resp["fileDeleted"])
	assert.Contains(t, resp, "processKilled")
	assert.NotContains(t, resp, "error")
	assert.NoFileExists(t, input)

	second := env.do(http.MethodPost, "/api/cancel/"+jobID, nil)
	require.Equal(t, http.StatusBadRequest, second.Code)
	assert.Contains(t, decode(t, second)["message"], "already cancelled")

	dl = env.do(http.MethodGet, "/api/download/"+jobID, nil)
	require.Equal(t, http.StatusBadRequest, dl.Code)
	assert.Equal(t, "cancelled", decode(t, dl)["status"])
}

func TestUnknownJob(t *testing.T) {
	env := setupTestRouter(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/progress/missing"},
		{http.MethodPost, "/api/cancel/missing"},
		{http.MethodGet, "/api/download/missing"},
	} {
		w := env.do(tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, tc.path)
	}
}

func TestHealthAndFormats(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, false, resp["tools"].(map[string]any)["ffmpeg"])

	w = env.do(http.MethodGet, "/api/formats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	conversions := decode(t, w)["conversions"].(map[string]any)
	assert.Contains(t, conversions, "pdf")
	assert.Contains(t, conversions, "mp4")
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestRouter(t)
	w := env.do(http.MethodOptions, "/api/convert", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

// nextSSE returns the name and data of the next complete event on the stream.
func nextSSE(scanner *bufio.Scanner) (string, string) {
	var name, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && name != "":
			return name, data
		}
	}
	return "", ""
}

func openEvents(t *testing.T, srv *httptest.Server) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestEventsStream(t *testing.T) {
	env := setupTestRouter(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	resp := openEvents(t, srv)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(resp.Body)
	nextEvent := func() (string, string) { return nextSSE(scanner) }

	name, _ := nextEvent()
	require.Equal(t, "connected", name)

	env.broadcaster.Publish(progress.ProgressEvent("job-1", 42))
	for {
		name, data := nextEvent()
		require.NotEmpty(t, name, "stream ended early")
		if name == "ping" {
			continue
		}
		assert.Equal(t, "progress", name)
		var e progress.Event
		require.NoError(t, json.Unmarshal([]byte(data), &e))
		assert.Equal(t, "job-1", e.JobID)
		assert.Equal(t, 42, e.Progress)
		break
	}
}

func TestWebSocketStream(t *testing.T) {
	env := setupTestRouter(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello connectedMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello.Event)
	assert.NotEmpty(t, hello.ClientID)

	env.broadcaster.Publish(progress.StatusEvent("job-2", "completed", 100))
	for {
		var e progress.Event
		require.NoError(t, conn.ReadJSON(&e))
		if e.Type == progress.EventPing {
			continue
		}
		assert.Equal(t, progress.EventStatus, e.Type)
		assert.Equal(t, "job-2", e.JobID)
		assert.Equal(t, "completed", e.Status)
		break
	}
}

func TestStreamsSendBarePings(t *testing.T) {
	env := setupTestRouter(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	t.Run("sse", func(t *testing.T) {
		scanner := bufio.NewScanner(openEvents(t, srv).Body)
		name, _ := nextSSE(scanner)
		require.Equal(t, "connected", name)

		name, data := nextSSE(scanner)
		require.Equal(t, "ping", name)
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(data), &frame))
		assert.Equal(t, map[string]any{"event": "ping"}, frame)
	})

	t.Run("websocket", func(t *testing.T) {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

		var hello connectedMessage
		require.NoError(t, conn.ReadJSON(&hello))

		var frame map[string]any
		require.NoError(t, conn.ReadJSON(&frame))
		assert.Equal(t, map[string]any{"event": "ping"}, frame)
	})
}

func TestHandleConvert_BindErrorIsReported(t *testing.T) {
	env := setupTestRouter(t)
	path := env.stage(t, "clip.mp4", []byte("video"))
	body := []byte(`{"filePath": "` + path + `", "outputFormat": "webm", "options": {"width": "wide"}}`)

	w := env.do(http.MethodPost, "/api/convert", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	msg := decode(t, w)["message"].(string)
	assert.Contains(t, msg, "width")
	assert.NotContains(t, msg, "required")
	assert.Empty(t, env.manager.List())
}

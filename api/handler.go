package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"fileconv/config"
	"fileconv/convert"
	"fileconv/format"
	"fileconv/job"
	"fileconv/probe"
	"fileconv/progress"

	"github.com/gin-gonic/gin"
)

// Deps are the collaborators shared by every handler.
type Deps struct {
	Manager     *job.Manager
	Formats     *format.Registry
	Broadcaster *progress.Broadcaster
	Tools       *probe.Prober
	Logger      *slog.Logger
}

type Handler struct {
	manager     *job.Manager
	formats     *format.Registry
	broadcaster *progress.Broadcaster
	tools       *probe.Prober
	cfg         *config.Config
	logger      *slog.Logger
}

func NewHandler(cfg *config.Config, deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager:     deps.Manager,
		formats:     deps.Formats,
		broadcaster: deps.Broadcaster,
		tools:       deps.Tools,
		cfg:         cfg,
		logger:      logger,
	}
}

type ConvertRequest struct {
	FilePath         string          `json:"filePath" binding:"required"`
	OutputFormat     string          `json:"outputFormat" binding:"required"`
	OriginalFilename string          `json:"originalFilename"`
	Options          convert.Options `json:"options"`
}

// handleConvert validates a request and starts a background conversion.
func (h *Handler) handleConvert(c *gin.Context) {
	var req ConvertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	path := h.resolveUpload(req.FilePath)
	name := req.OriginalFilename
	if name == "" {
		name = originalName(filepath.Base(path))
	}

	j, err := h.manager.Submit(job.Request{
		FilePath:         path,
		OriginalFilename: name,
		OutputFormat:     req.OutputFormat,
		Options:          req.Options,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": j.ID})
}

// handleGetProgress returns the current record of one job.
func (h *Handler) handleGetProgress(c *gin.Context) {
	j, found := h.manager.Get(c.Param("jobId"))
	if !found {
		h.respondError(c, job.ErrJobNotFound)
		return
	}
	h.buildDownloadURL(c, &j)
	c.JSON(http.StatusOK, j)
}

// handleListJobs lists every job, oldest first.
func (h *Handler) handleListJobs(c *gin.Context) {
	jobs := h.manager.List()
	for i := range jobs {
		h.buildDownloadURL(c, &jobs[i])
	}
	c.JSON(http.StatusOK, jobs)
}

type cancelResponse struct {
	job.Job
	Message       string `json:"message"`
	FileDeleted   bool   `json:"fileDeleted"`
	ProcessKilled bool   `json:"processKilled"`
}

// handleCancel stops a processing job.
func (h *Handler) handleCancel(c *gin.Context) {
	res, err := h.manager.Cancel(c.Param("jobId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cancelResponse{
		Job:           res.Job,
		Message:       "Conversion cancelled. Re-upload the file to try again.",
		FileDeleted:   res.FileDeleted,
		ProcessKilled: res.ProcessKilled,
	})
}

// handleDownload serves the artifact of a completed job.
func (h *Handler) handleDownload(c *gin.Context) {
	j, found := h.manager.Get(c.Param("jobId"))
	if !found {
		h.respondError(c, job.ErrJobNotFound)
		return
	}
	if j.Status != job.StatusCompleted {
		c.JSON(http.StatusBadRequest, gin.H{
			"message":  notReadyMessage(j.Status),
			"status":   j.Status,
			"progress": j.Progress,
		})
		return
	}
	if _, err := os.Stat(j.OutputPath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Converted file not found"})
		return
	}

	ext := format.FromPath(j.OutputPath)
	c.Header("Content-Type", format.MIMEType(ext))
	c.FileAttachment(j.OutputPath, downloadName(j.OriginalFilename, ext))
}

// handleFormats dumps the conversion table.
func (h *Handler) handleFormats(c *gin.Context) {
	inputs := h.formats.Inputs()
	conversions := make(map[string][]string)
	for _, list := range inputs {
		for _, in := range list {
			conversions[in] = h.formats.SupportedOutputFormats(in)
		}
	}
	c.JSON(http.StatusOK, gin.H{"inputs": inputs, "conversions": conversions})
}

func (h *Handler) handleHealth(c *gin.Context) {
	tools := make(map[string]bool)
	if h.tools != nil {
		for _, s := range h.tools.Check(probe.Known) {
			tools[s.Command] = s.Available
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"jobs":   len(h.manager.List()),
		"tools":  tools,
	})
}

// respondError maps domain errors to HTTP responses.
func (h *Handler) respondError(c *gin.Context, err error) {
	var verr *job.ValidationError
	var terr *job.TerminalStateError
	switch {
	case errors.As(err, &verr):
		body := gin.H{"message": verr.Message}
		if verr.SupportedFormats != nil {
			body["supportedFormats"] = verr.SupportedFormats
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.As(err, &terr):
		c.JSON(http.StatusBadRequest, gin.H{"message": terr.Error(), "status": terr.Status})
	case errors.Is(err, job.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "Job not found"})
	case errors.Is(err, job.ErrSourceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "File not found"})
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal server error"})
	}
}

// resolveUpload confines a client supplied path to the upload directory.
func (h *Handler) resolveUpload(p string) string {
	name := filepath.Base(filepath.Clean(p))
	return filepath.Join(h.cfg.UploadDir, name)
}

// buildDownloadURL constructs the full URL for a completed job's file.
func (h *Handler) buildDownloadURL(c *gin.Context, j *job.Job) {
	if j.Status != job.StatusCompleted {
		return
	}

	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	j.DownloadURL = fmt.Sprintf("%s/api/download/%s", baseURL, j.ID)
}

func notReadyMessage(s job.Status) string {
	switch s {
	case job.StatusFailed:
		return "Conversion failed. Re-upload the file to try again."
	case job.StatusCancelled:
		return "Conversion was cancelled. Re-upload the file to try again."
	}
	return "Conversion not completed yet"
}

// originalName strips the unique prefix added at upload time.
func originalName(stored string) string {
	if _, rest, ok := strings.Cut(stored, "_"); ok && rest != "" {
		return rest
	}
	return stored
}

func downloadName(original, ext string) string {
	base := strings.TrimSuffix(original, filepath.Ext(original))
	if base == "" {
		base = "converted"
	}
	return base + "." + ext
}

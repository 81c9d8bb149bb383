package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"fileconv/format"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/lithammer/shortuuid/v4"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeFilename keeps only the base name and replaces anything outside a
// conservative character set.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeChars.ReplaceAllString(name, "-")
	name = strings.Trim(name, ".-")
	if name == "" {
		return "upload"
	}
	return name
}

// handleUpload stores a multipart file under a unique name in the upload
// directory.
func (h *Handler) handleUpload(c *gin.Context) {
	if h.cfg.MaxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadSize)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"message": fmt.Sprintf("File exceeds the %d byte limit", tooLarge.Limit),
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"message": "No file uploaded"})
		return
	}

	name := sanitizeFilename(fh.Filename)
	input := format.FromPath(name)
	if _, known := h.formats.FamilyOf(input); !known {
		c.JSON(http.StatusBadRequest, gin.H{
			"message":          fmt.Sprintf("Unsupported file type %q", input),
			"supportedFormats": h.supportedInputs(),
		})
		return
	}

	stored := shortuuid.New() + "_" + name
	dst := filepath.Join(h.cfg.UploadDir, stored)
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		h.logger.Error("failed to store upload", "path", dst, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to store file"})
		return
	}

	mime := "application/octet-stream"
	if mt, err := mimetype.DetectFile(dst); err == nil {
		mime = mt.String()
	} else {
		h.logger.Warn("mime detection failed", "path", dst, "error", err)
	}
	h.logger.Info("file uploaded", "stored_as", stored, "format", input, "mime", mime, "size", fh.Size)

	c.JSON(http.StatusOK, gin.H{
		"path":             dst,
		"filename":         name,
		"detectedFormat":   input,
		"mimeType":         mime,
		"size":             fh.Size,
		"supportedFormats": h.formats.SupportedOutputFormats(input),
	})
}

func (h *Handler) supportedInputs() []string {
	var all []string
	for _, list := range h.formats.Inputs() {
		all = append(all, list...)
	}
	sort.Strings(all)
	return all
}


// Package format holds the static table of supported conversions.
package format

import (
	"path/filepath"
	"sort"
	"strings"
)

// Family identifies the converter responsible for an input format.
type Family string

const (
	FamilyVideo    Family = "video"
	FamilyImage    Family = "image"
	FamilyDocument Family = "document"
)

type entry struct {
	family  Family
	outputs []string
}

var (
	videoOutputs    = []string{"mp4", "webm", "avi", "mov", "mkv", "gif", "mp3", "wav"}
	imageOutputs    = []string{"png", "jpg", "webp", "gif", "bmp", "tiff"}
	documentOutputs = []string{"pdf", "png", "jpg"}
)

var defaultTable = map[string]entry{
	"mp4":  {FamilyVideo, videoOutputs},
	"webm": {FamilyVideo, videoOutputs},
	"avi":  {FamilyVideo, videoOutputs},
	"mov":  {FamilyVideo, videoOutputs},
	"mkv":  {FamilyVideo, videoOutputs},
	"flv":  {FamilyVideo, videoOutputs},
	"wmv":  {FamilyVideo, videoOutputs},
	"m4v":  {FamilyVideo, videoOutputs},
	"mpeg": {FamilyVideo, videoOutputs},
	"3gp":  {FamilyVideo, videoOutputs},

	"png":  {FamilyImage, imageOutputs},
	"jpg":  {FamilyImage, imageOutputs},
	"webp": {FamilyImage, imageOutputs},
	"gif":  {FamilyImage, imageOutputs},
	"bmp":  {FamilyImage, imageOutputs},
	"tiff": {FamilyImage, imageOutputs},

	"pdf": {FamilyDocument, documentOutputs},
}

var aliases = map[string]string{
	"jpeg": "jpg",
	"tif":  "tiff",
	"mpg":  "mpeg",
}

var mimeTypes = map[string]string{
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"avi":  "video/x-msvideo",
	"mov":  "video/quicktime",
	"mkv":  "video/x-matroska",
	"flv":  "video/x-flv",
	"wmv":  "video/x-ms-wmv",
	"m4v":  "video/x-m4v",
	"mpeg": "video/mpeg",
	"3gp":  "video/3gpp",
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"webp": "image/webp",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"tiff": "image/tiff",
	"pdf":  "application/pdf",
	"zip":  "application/zip",
	"tar":  "application/x-tar",
}

// Registry answers which conversions are legal. The zero value is not usable;
// use NewRegistry.
type Registry struct {
	table map[string]entry
}

// NewRegistry returns the registry with the built-in format table.
func NewRegistry() *Registry {
	return &Registry{table: defaultTable}
}

// Normalize lowercases a format name, strips a leading dot and resolves aliases.
func Normalize(f string) string {
	f = strings.ToLower(strings.TrimSpace(f))
	f = strings.TrimPrefix(f, ".")
	if a, ok := aliases[f]; ok {
		return a
	}
	return f
}

// FromPath derives the normalized format of a file from its extension.
func FromPath(path string) string {
	return Normalize(filepath.Ext(path))
}

// SupportedOutputFormats lists the legal outputs for an input format. It
// returns nil for unknown inputs.
func (r *Registry) SupportedOutputFormats(input string) []string {
	e, ok := r.table[Normalize(input)]
	if !ok {
		return nil
	}
	out := make([]string, len(e.outputs))
	copy(out, e.outputs)
	return out
}

// IsSupported reports whether input can be converted to output.
func (r *Registry) IsSupported(input, output string) bool {
	output = Normalize(output)
	for _, f := range r.SupportedOutputFormats(input) {
		if f == output {
			return true
		}
	}
	return false
}

// FamilyOf returns the converter family for an input format.
func (r *Registry) FamilyOf(input string) (Family, bool) {
	e, ok := r.table[Normalize(input)]
	return e.family, ok
}

// Inputs returns every known input format grouped by family, sorted.
func (r *Registry) Inputs() map[Family][]string {
	out := make(map[Family][]string)
	for name, e := range r.table {
		out[e.family] = append(out[e.family], name)
	}
	for _, list := range out {
		sort.Strings(list)
	}
	return out
}

// MIMEType returns the content type for a format or file extension.
func MIMEType(f string) string {
	if m, ok := mimeTypes[Normalize(f)]; ok {
		return m
	}
	return "application/octet-stream"
}

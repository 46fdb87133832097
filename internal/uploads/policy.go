// Package uploads implements resumable chunked uploads: session issuance,
// chunk progress, storage-verified resume, and assembly into one object.
package uploads

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	MiB = int64(1) << 20
	GiB = int64(1) << 30

	MinFileSize        = int64(1)
	DefaultMaxFileSize = 10 * GiB

	// MinChunkSize is the smallest part S3-style compose accepts for
	// every source but the last.
	MinChunkSize = 5 * MiB

	URLExpiry  = time.Hour
	SessionTTL = 24 * time.Hour
)

var allowedTypes = map[string]string{
	"video/mp4":        ".mp4",
	"video/quicktime":  ".mov",
	"video/x-msvideo":  ".avi",
	"video/webm":       ".webm",
	"video/x-matroska": ".mkv",
	"video/mpeg":       ".mpeg",
}

// IsAllowedType reports whether fileType is an accepted video MIME type.
func IsAllowedType(fileType string) bool {
	_, ok := allowedTypes[normalizeType(fileType)]
	return ok
}

func normalizeType(fileType string) string {
	t, _, _ := strings.Cut(fileType, ";")
	return strings.ToLower(strings.TrimSpace(t))
}

// ChunkSizeFor picks a chunk size from the file size so that chunk counts
// stay bounded for large files.
func ChunkSizeFor(fileSize int64) int64 {
	switch {
	case fileSize <= 100*MiB:
		return 5 * MiB
	case fileSize <= GiB:
		return 10 * MiB
	case fileSize <= 5*GiB:
		return 25 * MiB
	default:
		return 50 * MiB
	}
}

// TotalChunks returns ceil(fileSize / chunkSize).
func TotalChunks(fileSize, chunkSize int64) int {
	if chunkSize <= 0 || fileSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// extensionFor prefers the file name's extension and falls back to the
// canonical one for the MIME type.
func extensionFor(fileType, fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext != "" && len(ext) <= 6 && !strings.ContainsAny(ext, `/\ `) {
		return ext
	}
	if ext, ok := allowedTypes[normalizeType(fileType)]; ok {
		return ext
	}
	return ".bin"
}

// displayName is the file name without its extension.
func displayName(fileName string) string {
	base := filepath.Base(fileName)
	if name := strings.TrimSuffix(base, filepath.Ext(base)); name != "" {
		return name
	}
	return base
}

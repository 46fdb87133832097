package uploads

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrInvalidSize     = errors.New("file size out of range")
	ErrInvalidChunk    = errors.New("invalid chunk report")
	ErrSessionNotFound = errors.New("upload session not found")
	ErrSessionExpired  = errors.New("upload session expired")
	ErrForbidden       = errors.New("upload session belongs to another owner")
	ErrSessionClosed   = errors.New("upload session is no longer accepting changes")
	ErrComposeFailed   = errors.New("failed to assemble chunks")
	ErrStorage         = errors.New("object storage unavailable")
)

// MissingChunksError lists the chunk indices absent from storage at
// finalize time. Indices are sorted ascending.
type MissingChunksError struct {
	Indices []int
}

func (e *MissingChunksError) Error() string {
	return fmt.Sprintf("missing %d chunk(s): %s", len(e.Indices), joinInts(e.Indices))
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ", ")
}

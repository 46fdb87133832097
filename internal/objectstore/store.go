// Package objectstore abstracts the blob storage that holds uploaded chunks,
// assembled videos and analysis segments.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

type Store interface {
	// PresignPut returns a time-limited URL a client can PUT one object to.
	PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	// Stat returns ErrNotFound when the object does not exist.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	// Compose concatenates srcs, in order, into dst.
	Compose(ctx context.Context, dst string, srcs []string) error
	Download(ctx context.Context, key, localPath string) error
	Upload(ctx context.Context, key, localPath, contentType string) error
	RemovePrefix(ctx context.Context, prefix string) error
}

// Exists reports whether key is present.
func Exists(ctx context.Context, s Store, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func ChunkPrefix(sessionID string) string {
	return fmt.Sprintf("uploads/%s/", sessionID)
}

func ChunkKey(sessionID string, index int) string {
	return fmt.Sprintf("uploads/%s/chunk_%05d", sessionID, index)
}

func VideoKey(ownerID, videoID, ext string) string {
	return fmt.Sprintf("videos/%s/%s/original%s", ownerID, videoID, ext)
}

func SegmentKey(videoID string, number int) string {
	return fmt.Sprintf("segments/%s/%04d.mp4", videoID, number)
}

func ThumbnailKey(videoID string, number int) string {
	return fmt.Sprintf("segments/%s/%04d.jpg", videoID, number)
}

package uploads

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/heimdex/heimdex-ingest/internal/catalog"
	"github.com/heimdex/heimdex-ingest/internal/logging"
	"github.com/heimdex/heimdex-ingest/internal/metrics"
	"github.com/heimdex/heimdex-ingest/internal/objectstore"
)

const (
	cleanupTimeout = 2 * time.Minute
	triggerTimeout = 30 * time.Second
)

// Trigger starts analysis of a freshly assembled video.
type Trigger interface {
	Trigger(ctx context.Context, videoID, ownerID string) error
}

type FinalizeResult struct {
	SessionID  string `json:"session_id"`
	VideoID    string `json:"video_id"`
	StorageKey string `json:"storage_key"`
	Status     string `json:"status"`
}

// Assembler verifies that every chunk is in storage and composes them into
// the final video object.
type Assembler struct {
	repo    catalog.Repository
	store   objectstore.Store
	trigger Trigger
	logger  *slog.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

func NewAssembler(repo catalog.Repository, store objectstore.Store, trigger Trigger, logger *slog.Logger) *Assembler {
	return &Assembler{
		repo:    repo,
		store:   store,
		trigger: trigger,
		logger:  logger,
		now:     time.Now,
	}
}

// Finalize assembles a session's chunks into one object and registers the
// video. Finalizing a completed session returns its video without composing
// again.
func (a *Assembler) Finalize(ctx context.Context, sessionID, ownerID string) (*FinalizeResult, error) {
	session, err := a.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if session.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	if session.Status == catalog.SessionStatusCompleted {
		return a.existingResult(ctx, session)
	}
	if session.Status == catalog.SessionStatusExpired {
		return nil, ErrSessionExpired
	}
	if session.Expired(a.now()) {
		expireSession(ctx, a.repo, a.logger, session)
		return nil, ErrSessionExpired
	}

	ok, err := a.repo.TransitionSession(ctx, sessionID, inFlightStatuses, catalog.SessionStatusAssembling)
	if err != nil {
		return nil, fmt.Errorf("mark assembling: %w", err)
	}
	if !ok {
		// Lost a race with another finalize or the session is closed.
		current, err := a.repo.GetSession(ctx, sessionID)
		if err == nil && current != nil && current.Status == catalog.SessionStatusCompleted {
			return a.existingResult(ctx, current)
		}
		return nil, fmt.Errorf("%w: status %s", ErrSessionClosed, session.Status)
	}

	// From here on the session is ours; state writes must land even if the
	// caller goes away.
	ctx = context.WithoutCancel(ctx)
	logger := logging.WithSessionID(a.logger, sessionID)

	_, missing, err := checkChunks(ctx, a.store, session)
	if err != nil {
		if _, rerr := a.repo.TransitionSession(ctx, sessionID,
			[]string{catalog.SessionStatusAssembling}, session.DeriveStatus()); rerr != nil {
			logger.Error("failed to release assembling status", "error", rerr)
		}
		metrics.Finalizations.WithLabelValues("storage_error").Inc()
		return nil, err
	}
	if len(missing) > 0 {
		missingErr := &MissingChunksError{Indices: missing}
		a.fail(ctx, sessionID, missingErr.Error())
		logger.Warn("finalize aborted: chunks missing from storage", "missing", missing)
		metrics.Finalizations.WithLabelValues("missing_chunks").Inc()
		return nil, missingErr
	}

	videoID := catalog.NewID()
	key := objectstore.VideoKey(ownerID, videoID, extensionFor(session.FileType, session.FileName))
	srcs := make([]string, session.TotalChunks)
	for i := range srcs {
		srcs[i] = objectstore.ChunkKey(sessionID, i)
	}

	start := time.Now()
	if err := a.store.Compose(ctx, key, srcs); err != nil {
		a.fail(ctx, sessionID, "compose failed: "+err.Error())
		logger.Error("compose failed", "key", key, "error", err)
		metrics.Finalizations.WithLabelValues("compose_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrComposeFailed, err)
	}
	metrics.ComposeDuration.Observe(time.Since(start).Seconds())

	info, err := a.store.Stat(ctx, key)
	if err != nil || info.Size == 0 {
		reason := "assembled object is empty"
		if err != nil {
			reason = "assembled object not readable: " + err.Error()
		}
		a.fail(ctx, sessionID, reason)
		metrics.Finalizations.WithLabelValues("compose_failed").Inc()
		return nil, fmt.Errorf("%w: %s", ErrComposeFailed, reason)
	}
	if info.Size != session.FileSize {
		logger.Warn("assembled size differs from declared size",
			"declared", session.FileSize, "actual", info.Size)
	}

	now := a.now().UTC()
	video := &catalog.Video{
		ID:          videoID,
		OwnerID:     ownerID,
		Name:        displayName(session.FileName),
		FileName:    session.FileName,
		FileSize:    info.Size,
		ContentType: session.FileType,
		StorageKey:  key,
		Status:      catalog.VideoStatusUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.repo.CreateVideo(ctx, video); err != nil {
		a.fail(ctx, sessionID, "create video: "+err.Error())
		return nil, fmt.Errorf("create video: %w", err)
	}
	if err := a.repo.CompleteSession(ctx, sessionID, videoID); err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}

	logger.Info("upload assembled",
		"video_id", videoID,
		"key", key,
		"size", info.Size,
		"chunks", session.TotalChunks,
		"compose_ms", time.Since(start).Milliseconds(),
	)
	metrics.Finalizations.WithLabelValues("completed").Inc()
	metrics.UploadSessions.WithLabelValues("completed").Inc()

	a.background(func() { a.removeChunks(sessionID) })
	a.background(func() { a.triggerAnalysis(videoID, ownerID) })

	return &FinalizeResult{
		SessionID:  sessionID,
		VideoID:    videoID,
		StorageKey: key,
		Status:     catalog.VideoStatusUploaded,
	}, nil
}

// Wait blocks until background cleanup and trigger work has finished.
func (a *Assembler) Wait() {
	a.wg.Wait()
}

func (a *Assembler) background(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *Assembler) removeChunks(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	logger := logging.WithSessionID(a.logger, sessionID)
	if err := a.store.RemovePrefix(ctx, objectstore.ChunkPrefix(sessionID)); err != nil {
		logger.Warn("chunk cleanup failed", "error", err)
		return
	}
	logger.Debug("chunk objects removed")
}

func (a *Assembler) triggerAnalysis(videoID, ownerID string) {
	if a.trigger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), triggerTimeout)
	defer cancel()

	if err := a.trigger.Trigger(ctx, videoID, ownerID); err != nil {
		logger := logging.WithVideoID(a.logger, videoID)
		logger.Error("analysis trigger failed", "error", err)
		if merr := a.repo.MarkVideoFailed(context.Background(), videoID, "analysis trigger failed: "+err.Error()); merr != nil {
			logger.Error("failed to mark video", "error", merr)
		}
	}
}

func (a *Assembler) fail(ctx context.Context, sessionID, reason string) {
	if err := a.repo.UpdateSessionStatus(ctx, sessionID, catalog.SessionStatusFailed, reason); err != nil {
		logging.WithSessionID(a.logger, sessionID).Error("failed to mark session failed", "error", err)
	}
	metrics.UploadSessions.WithLabelValues("failed").Inc()
}

func (a *Assembler) existingResult(ctx context.Context, session *catalog.UploadSession) (*FinalizeResult, error) {
	res := &FinalizeResult{SessionID: session.ID, VideoID: session.VideoID, Status: catalog.VideoStatusUploaded}
	v, err := a.repo.GetVideo(ctx, session.VideoID)
	if err != nil {
		return nil, fmt.Errorf("load video: %w", err)
	}
	if v != nil {
		res.StorageKey = v.StorageKey
		res.Status = v.Status
	}
	return res, nil
}

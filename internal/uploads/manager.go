package uploads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/heimdex/heimdex-ingest/internal/catalog"
	"github.com/heimdex/heimdex-ingest/internal/logging"
	"github.com/heimdex/heimdex-ingest/internal/metrics"
	"github.com/heimdex/heimdex-ingest/internal/objectstore"
)

const statConcurrency = 16

var inFlightStatuses = []string{
	catalog.SessionStatusUploading,
	catalog.SessionStatusUploadingWithErrors,
	catalog.SessionStatusUploadingComplete,
}

type InitiateRequest struct {
	FileName string
	FileSize int64
	FileType string
}

type ChunkURL struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

type InitiateResult struct {
	SessionID   string     `json:"session_id"`
	TotalChunks int        `json:"total_chunks"`
	ChunkSize   int64      `json:"chunk_size"`
	ChunkURLs   []ChunkURL `json:"chunk_urls"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

type ProgressResult struct {
	SessionID       string  `json:"session_id"`
	Progress        float64 `json:"progress"`
	CompletedChunks int     `json:"completed_chunks"`
	FailedChunks    int     `json:"failed_chunks"`
	TotalChunks     int     `json:"total_chunks"`
	Status          string  `json:"status"`
}

const (
	ResumeStatusResuming        = "resuming"
	ResumeStatusReadyToFinalize = "ready_to_finalize"
)

type ResumePlan struct {
	SessionID      string     `json:"session_id"`
	TotalChunks    int        `json:"total_chunks"`
	ExistingChunks []int      `json:"existing_chunks"`
	MissingChunks  []int      `json:"missing_chunks"`
	ChunkURLs      []ChunkURL `json:"chunk_urls"`
	Status         string     `json:"status"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// Manager owns the upload session state machine.
type Manager struct {
	repo        catalog.Repository
	store       objectstore.Store
	logger      *slog.Logger
	maxFileSize int64
	now         func() time.Time
}

func NewManager(repo catalog.Repository, store objectstore.Store, logger *slog.Logger, maxFileSize int64) *Manager {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Manager{
		repo:        repo,
		store:       store,
		logger:      logger,
		maxFileSize: maxFileSize,
		now:         time.Now,
	}
}

// Initiate validates the file, creates a session and issues one signed
// PUT URL per chunk.
func (m *Manager) Initiate(ctx context.Context, req InitiateRequest, ownerID string) (*InitiateResult, error) {
	if req.FileName == "" {
		return nil, fmt.Errorf("%w: file name is required", ErrInvalidRequest)
	}
	if !IsAllowedType(req.FileType) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, req.FileType)
	}
	if req.FileSize < MinFileSize || req.FileSize > m.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (allowed %d..%d)", ErrInvalidSize, req.FileSize, MinFileSize, m.maxFileSize)
	}

	chunkSize := ChunkSizeFor(req.FileSize)
	now := m.now().UTC()
	session := &catalog.UploadSession{
		ID:          catalog.NewID(),
		OwnerID:     ownerID,
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		FileType:    normalizeType(req.FileType),
		ChunkSize:   chunkSize,
		TotalChunks: TotalChunks(req.FileSize, chunkSize),
		Status:      catalog.SessionStatusInitializing,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(SessionTTL),
	}

	if err := m.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	indices := make([]int, session.TotalChunks)
	for i := range indices {
		indices[i] = i
	}
	logger := logging.WithSessionID(m.logger, session.ID)
	urls, err := m.presign(ctx, session, indices)
	if err != nil {
		m.failSession(ctx, logger, session.ID, err.Error())
		metrics.UploadSessions.WithLabelValues("presign_failed").Inc()
		return nil, err
	}

	ok, err := m.repo.TransitionSession(ctx, session.ID,
		[]string{catalog.SessionStatusInitializing}, catalog.SessionStatusUploading)
	if err == nil && !ok {
		err = errors.New("session left initializing")
	}
	if err != nil {
		m.failSession(ctx, logger, session.ID, "activate session: "+err.Error())
		return nil, fmt.Errorf("activate session: %w", err)
	}

	logger.Info("upload session initiated",
		"owner_id", ownerID,
		"file_size", session.FileSize,
		"chunk_size", chunkSize,
		"total_chunks", session.TotalChunks,
	)
	metrics.UploadSessions.WithLabelValues("initiated").Inc()

	return &InitiateResult{
		SessionID:   session.ID,
		TotalChunks: session.TotalChunks,
		ChunkSize:   chunkSize,
		ChunkURLs:   urls,
		ExpiresAt:   session.ExpiresAt,
	}, nil
}

// ReportChunkStatus records a client's report for one chunk index. Reports
// are advisory; finalize checks storage regardless.
func (m *Manager) ReportChunkStatus(ctx context.Context, sessionID string, index int, state string, throughputBps float64, ownerID string) (*ProgressResult, error) {
	session, err := m.load(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	if err := m.checkOpen(ctx, session); err != nil {
		return nil, err
	}
	if index < 0 || index >= session.TotalChunks {
		return nil, fmt.Errorf("%w: index %d outside 0..%d", ErrInvalidChunk, index, session.TotalChunks-1)
	}
	if state != catalog.ChunkStateCompleted && state != catalog.ChunkStateFailed {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidChunk, state)
	}

	if err := m.repo.SetChunkState(ctx, sessionID, index, state, throughputBps); err != nil {
		return nil, fmt.Errorf("record chunk state: %w", err)
	}
	metrics.ChunkReports.WithLabelValues(state).Inc()

	session, err = m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reload session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	status, err := m.applyDerivedStatus(ctx, session)
	if err != nil {
		return nil, err
	}

	return &ProgressResult{
		SessionID:       sessionID,
		Progress:        session.Progress(),
		CompletedChunks: len(session.CompletedChunks),
		FailedChunks:    len(session.FailedChunks),
		TotalChunks:     session.TotalChunks,
		Status:          status,
	}, nil
}

// Resume recomputes which chunks exist from storage, reconciles the stored
// chunk sets to match, and issues fresh URLs for the missing ones only.
func (m *Manager) Resume(ctx context.Context, sessionID, ownerID string) (*ResumePlan, error) {
	session, err := m.load(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	if err := m.checkOpen(ctx, session); err != nil {
		return nil, err
	}

	existing, missing, err := checkChunks(ctx, m.store, session)
	if err != nil {
		return nil, err
	}

	if err := m.repo.ReconcileChunks(ctx, sessionID, existing); err != nil {
		return nil, fmt.Errorf("reconcile chunks: %w", err)
	}
	if reloaded, err := m.repo.GetSession(ctx, sessionID); err == nil && reloaded != nil {
		if _, err := m.applyDerivedStatus(ctx, reloaded); err != nil {
			return nil, err
		}
	}

	urls, err := m.presign(ctx, session, missing)
	if err != nil {
		return nil, err
	}

	status := ResumeStatusResuming
	if len(missing) == 0 {
		status = ResumeStatusReadyToFinalize
	}

	logging.WithSessionID(m.logger, sessionID).Info("upload session resumed",
		"existing", len(existing),
		"missing", len(missing),
		"status", status,
	)

	return &ResumePlan{
		SessionID:      sessionID,
		TotalChunks:    session.TotalChunks,
		ExistingChunks: existing,
		MissingChunks:  missing,
		ChunkURLs:      urls,
		Status:         status,
		ExpiresAt:      session.ExpiresAt,
	}, nil
}

// Get returns the owner's session with its chunk sets.
func (m *Manager) Get(ctx context.Context, sessionID, ownerID string) (*catalog.UploadSession, error) {
	return m.load(ctx, sessionID, ownerID)
}

func (m *Manager) load(ctx context.Context, sessionID, ownerID string) (*catalog.UploadSession, error) {
	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if session.OwnerID != ownerID {
		logging.WithSessionID(m.logger, sessionID).Warn("upload session access denied", "owner_id", ownerID)
		return nil, ErrForbidden
	}
	return session, nil
}

// checkOpen rejects sessions that are expired, finished, or being assembled.
// An expired session is moved to the expired status on first detection.
func (m *Manager) checkOpen(ctx context.Context, session *catalog.UploadSession) error {
	if session.Status == catalog.SessionStatusExpired {
		return ErrSessionExpired
	}
	if session.IsTerminal() || session.Status == catalog.SessionStatusAssembling {
		return fmt.Errorf("%w: status %s", ErrSessionClosed, session.Status)
	}
	if session.Expired(m.now()) {
		expireSession(ctx, m.repo, m.logger, session)
		return ErrSessionExpired
	}
	return nil
}

// applyDerivedStatus moves an in-flight session to the status implied by its
// chunk sets. Sessions that left the in-flight states are not touched.
func (m *Manager) applyDerivedStatus(ctx context.Context, session *catalog.UploadSession) (string, error) {
	derived := session.DeriveStatus()
	if derived == session.Status {
		return derived, nil
	}
	from := append([]string{catalog.SessionStatusInitializing}, inFlightStatuses...)
	ok, err := m.repo.TransitionSession(ctx, session.ID, from, derived)
	if err != nil {
		return "", fmt.Errorf("update session status: %w", err)
	}
	if !ok {
		return session.Status, nil
	}
	return derived, nil
}

// presign issues PUT URLs that never outlive the session.
func (m *Manager) presign(ctx context.Context, session *catalog.UploadSession, indices []int) ([]ChunkURL, error) {
	expiry := URLExpiry
	if remaining := session.ExpiresAt.Sub(m.now()); remaining < expiry {
		expiry = remaining
	}
	if expiry < time.Second {
		expiry = time.Second
	}

	urls := make([]ChunkURL, 0, len(indices))
	for _, idx := range indices {
		u, err := m.store.PresignPut(ctx, objectstore.ChunkKey(session.ID, idx), expiry)
		if err != nil {
			return nil, fmt.Errorf("%w: presign chunk %d: %v", ErrStorage, idx, err)
		}
		urls = append(urls, ChunkURL{Index: idx, URL: u})
	}
	if len(urls) > 0 {
		logging.WithSessionID(m.logger, session.ID).Debug("chunk urls issued",
			"count", len(urls), "first", logging.SanitizeURL(urls[0].URL), "expiry", expiry)
	}
	return urls, nil
}

// failSession records a session that could not be set up. The write ignores
// cancellation so the session never lingers in initializing.
func (m *Manager) failSession(ctx context.Context, logger *slog.Logger, sessionID, reason string) {
	if err := m.repo.UpdateSessionStatus(context.WithoutCancel(ctx), sessionID, catalog.SessionStatusFailed, reason); err != nil {
		logger.Error("failed to mark session failed", "error", err, "reason", reason)
	}
}

func expireSession(ctx context.Context, repo catalog.Repository, logger *slog.Logger, session *catalog.UploadSession) {
	logger = logging.WithSessionID(logger, session.ID)
	from := append([]string{catalog.SessionStatusInitializing}, inFlightStatuses...)
	ok, err := repo.TransitionSession(context.WithoutCancel(ctx), session.ID, from, catalog.SessionStatusExpired)
	if err != nil {
		logger.Error("failed to mark session expired", "error", err)
		return
	}
	if ok {
		logger.Info("upload session expired", "expired_at", session.ExpiresAt)
		metrics.UploadSessions.WithLabelValues("expired").Inc()
	}
}

// checkChunks stats every chunk index concurrently and splits the indices
// into those present in storage and those missing, both sorted.
func checkChunks(ctx context.Context, store objectstore.Store, session *catalog.UploadSession) (existing, missing []int, err error) {
	present := make([]bool, session.TotalChunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)
	for i := 0; i < session.TotalChunks; i++ {
		g.Go(func() error {
			ok, err := objectstore.Exists(gctx, store, objectstore.ChunkKey(session.ID, i))
			if err != nil {
				return fmt.Errorf("%w: stat chunk %d: %v", ErrStorage, i, err)
			}
			present[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	existing = []int{}
	missing = []int{}
	for i, ok := range present {
		if ok {
			existing = append(existing, i)
		} else {
			missing = append(missing, i)
		}
	}
	return existing, missing, nil
}

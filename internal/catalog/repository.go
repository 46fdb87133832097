package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository is the document store for sessions, videos, segments and jobs.
type Repository interface {
	CreateSession(ctx context.Context, s *UploadSession) error
	GetSession(ctx context.Context, id string) (*UploadSession, error)
	UpdateSessionStatus(ctx context.Context, id, status, errorMsg string) error
	TransitionSession(ctx context.Context, id string, from []string, to string) (bool, error)
	CompleteSession(ctx context.Context, id, videoID string) error
	SetChunkState(ctx context.Context, sessionID string, index int, state string, throughputBps float64) error
	ReconcileChunks(ctx context.Context, sessionID string, present []int) error

	CreateVideo(ctx context.Context, v *Video) error
	GetVideo(ctx context.Context, id string) (*Video, error)
	UpdateVideoMetadata(ctx context.Context, id string, m VideoMetadata) error
	UpdateVideoProgress(ctx context.Context, id string, progress int, step string) error
	SetVideoSegmentCount(ctx context.Context, id string, count int) error
	MarkVideoFailed(ctx context.Context, id, errorMsg string) error
	BeginAnalysis(ctx context.Context, id string) (bool, error)
	CompleteAnalysis(ctx context.Context, id string, outcome AnalysisOutcome) error
	FailAnalysis(ctx context.Context, id, errorMsg string, elapsed time.Duration) error

	UpsertSegments(ctx context.Context, segments []*Segment) error
	SaveSegmentResult(ctx context.Context, seg *Segment, result SegmentResult) error
	MarkSegmentFailed(ctx context.Context, videoID string, number int, errorMsg string) error
	GetSegment(ctx context.Context, videoID string, number int) (*Segment, error)
	ListSegments(ctx context.Context, videoID string) ([]*Segment, error)

	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListPendingJobs(ctx context.Context) ([]*Job, error)
	ClaimJob(ctx context.Context, id string) (bool, error)
	UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error
	UpdateJobProgress(ctx context.Context, id string, progress int) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// AnalysisOutcome is the aggregate persisted at the end of a run.
type AnalysisOutcome struct {
	Status    string
	Succeeded int
	Failed    int
	Error     string
	Elapsed   time.Duration
}

type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

func (r *SQLiteRepository) CreateJob(ctx context.Context, j *Job) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, video_id, owner_id, progress, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Type, j.Status, nullString(j.VideoID), nullString(j.OwnerID),
		j.Progress, nullString(j.Error),
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	return err
}

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, type, status, video_id, owner_id, progress, error, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (r *SQLiteRepository) ListPendingJobs(ctx context.Context) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, status, video_id, owner_id, progress, error, created_at, updated_at
		FROM jobs WHERE status = 'pending' ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ClaimJob moves a pending job to running. It reports false when another
// runner got there first.
func (r *SQLiteRepository) ClaimJob(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'
	`, formatTime(r.now()), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var videoID, ownerID, errMsg sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&j.ID, &j.Type, &j.Status, &videoID, &ownerID, &j.Progress, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	j.VideoID = videoID.String
	j.OwnerID = ownerID.String
	j.Error = errMsg.String
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *SQLiteRepository) UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errorMsg), formatTime(r.now()), id)
	return err
}

func (r *SQLiteRepository) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?
	`, progress, formatTime(r.now()), id)
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (r *SQLiteRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows touched by SQL-side updates carry second precision.
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

const videoColumns = `id, owner_id, name, file_name, file_size, content_type, storage_key, status,
	duration, width, height, frame_rate, format, audio_channels,
	progress, current_step, segment_count, successful_segments, failed_segments, error,
	analysis_started_at, analysis_completed_at, analysis_failed_at, elapsed_ms, created_at, updated_at`

func (r *SQLiteRepository) CreateVideo(ctx context.Context, v *Video) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO videos (id, owner_id, name, file_name, file_size, content_type, storage_key, status,
			progress, segment_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.OwnerID, v.Name, v.FileName, v.FileSize, v.ContentType, v.StorageKey, v.Status,
		v.Progress, v.SegmentCount, formatTime(v.CreatedAt), formatTime(v.UpdatedAt))
	return err
}

// GetVideo returns nil, nil when the video does not exist.
func (r *SQLiteRepository) GetVideo(ctx context.Context, id string) (*Video, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ?`, id)

	var v Video
	var duration, frameRate sql.NullFloat64
	var width, height, channels, elapsed sql.NullInt64
	var format, step, errMsg, startedAt, completedAt, failedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&v.ID, &v.OwnerID, &v.Name, &v.FileName, &v.FileSize, &v.ContentType, &v.StorageKey, &v.Status,
		&duration, &width, &height, &frameRate, &format, &channels,
		&v.Progress, &step, &v.SegmentCount, &v.SuccessfulSegments, &v.FailedSegments, &errMsg,
		&startedAt, &completedAt, &failedAt, &elapsed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	v.Metadata = VideoMetadata{
		Duration:      duration.Float64,
		Width:         int(width.Int64),
		Height:        int(height.Int64),
		FrameRate:     frameRate.Float64,
		Format:        format.String,
		AudioChannels: int(channels.Int64),
	}
	v.CurrentStep = step.String
	v.Error = errMsg.String
	v.AnalysisStartedAt = parseNullTime(startedAt)
	v.AnalysisCompletedAt = parseNullTime(completedAt)
	v.AnalysisFailedAt = parseNullTime(failedAt)
	v.ElapsedMs = elapsed.Int64
	v.CreatedAt = parseTime(createdAt)
	v.UpdatedAt = parseTime(updatedAt)
	return &v, nil
}

func (r *SQLiteRepository) UpdateVideoMetadata(ctx context.Context, id string, m VideoMetadata) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE videos SET duration = ?, width = ?, height = ?, frame_rate = ?, format = ?, audio_channels = ?, updated_at = ?
		WHERE id = ?
	`, m.Duration, m.Width, m.Height, m.FrameRate, nullString(m.Format), m.AudioChannels, formatTime(r.now()), id)
	return err
}

// UpdateVideoProgress never lowers the stored percentage within a run.
func (r *SQLiteRepository) UpdateVideoProgress(ctx context.Context, id string, progress int, step string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE videos SET progress = MAX(progress, ?), current_step = ?, updated_at = ? WHERE id = ?
	`, progress, step, formatTime(r.now()), id)
	return err
}

func (r *SQLiteRepository) SetVideoSegmentCount(ctx context.Context, id string, count int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE videos SET segment_count = ?, updated_at = ? WHERE id = ?
	`, count, formatTime(r.now()), id)
	return err
}

// MarkVideoFailed flags a video whose analysis could not be started.
func (r *SQLiteRepository) MarkVideoFailed(ctx context.Context, id, errorMsg string) error {
	now := formatTime(r.now())
	_, err := r.db.ExecContext(ctx, `
		UPDATE videos SET status = ?, error = ?, analysis_failed_at = ?, updated_at = ? WHERE id = ?
	`, VideoStatusAnalysisFailed, nullString(errorMsg), now, now, id)
	return err
}

// BeginAnalysis moves a video into analyzing and resets run state. It
// reports false when a run is already in progress.
func (r *SQLiteRepository) BeginAnalysis(ctx context.Context, id string) (bool, error) {
	now := formatTime(r.now())
	res, err := r.db.ExecContext(ctx, `
		UPDATE videos SET status = ?, progress = 0, current_step = 'queued', error = NULL,
			successful_segments = 0, failed_segments = 0,
			analysis_started_at = ?, analysis_completed_at = NULL, analysis_failed_at = NULL, elapsed_ms = NULL,
			updated_at = ?
		WHERE id = ? AND status != ?
	`, VideoStatusAnalyzing, now, now, id, VideoStatusAnalyzing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *SQLiteRepository) CompleteAnalysis(ctx context.Context, id string, outcome AnalysisOutcome) error {
	now := formatTime(r.now())
	var completedAt, failedAt sql.NullString
	if outcome.Status == VideoStatusAnalysisFailed {
		failedAt = sql.NullString{String: now, Valid: true}
	} else {
		completedAt = sql.NullString{String: now, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE videos SET status = ?, progress = 100, current_step = ?, error = ?,
			successful_segments = ?, failed_segments = ?,
			analysis_completed_at = ?, analysis_failed_at = ?, elapsed_ms = ?, updated_at = ?
		WHERE id = ?
	`, outcome.Status, "analysis finished", nullString(outcome.Error),
		outcome.Succeeded, outcome.Failed,
		completedAt, failedAt, outcome.Elapsed.Milliseconds(), now, id)
	return err
}

// FailAnalysis records a fatal run error. Progress is left at the stage
// that failed so the owner can see where the run stopped.
func (r *SQLiteRepository) FailAnalysis(ctx context.Context, id, errorMsg string, elapsed time.Duration) error {
	now := formatTime(r.now())
	_, err := r.db.ExecContext(ctx, `
		UPDATE videos SET status = ?, error = ?, analysis_failed_at = ?, elapsed_ms = ?, updated_at = ?
		WHERE id = ?
	`, VideoStatusAnalysisFailed, errorMsg, now, elapsed.Milliseconds(), now, id)
	return err
}

// clearSegmentPayload empties every analysis column of a segment row.
const clearSegmentPayload = `transcript = NULL, language = NULL, speakers = NULL, objects = NULL, people = NULL,
	activities = NULL, scene = NULL, searchable_text = NULL, audio_ms = NULL, visual_ms = NULL, analyzed_at = NULL`

// UpsertSegments writes placeholder records for a whole segment set in one
// transaction. Existing rows are reset to empty pending placeholders.
func (r *SQLiteRepository) UpsertSegments(ctx context.Context, segments []*Segment) error {
	if len(segments) == 0 {
		return nil
	}
	now := formatTime(r.now())
	return r.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO segments (video_id, segment_number, start_time, end_time, duration, storage_key, thumbnail_key,
				status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(video_id, segment_number) DO UPDATE SET
				start_time = excluded.start_time,
				end_time = excluded.end_time,
				duration = excluded.duration,
				storage_key = excluded.storage_key,
				thumbnail_key = excluded.thumbnail_key,
				status = excluded.status,
				`+clearSegmentPayload+`,
				error = NULL,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, s := range segments {
			if _, err := stmt.ExecContext(ctx, s.VideoID, s.Number, s.StartTime, s.EndTime, s.Duration,
				s.StorageKey, nullString(s.ThumbnailKey), SegmentStatusPending, now, now); err != nil {
				return fmt.Errorf("segment %s: %w", s.Key(), err)
			}
		}
		return nil
	})
}

// SaveSegmentResult stores a successful analysis, creating the segment row
// if it is absent and merging into it otherwise.
func (r *SQLiteRepository) SaveSegmentResult(ctx context.Context, seg *Segment, result SegmentResult) error {
	a := result.Analysis
	speakers, err := marshalJSON(a.Speakers)
	if err != nil {
		return err
	}
	objects, err := marshalJSON(a.Objects)
	if err != nil {
		return err
	}
	people, err := marshalJSON(a.People)
	if err != nil {
		return err
	}
	activities, err := marshalJSON(a.Activities)
	if err != nil {
		return err
	}
	scene, err := marshalJSON(a.Scene)
	if err != nil {
		return err
	}

	now := formatTime(r.now())
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO segments (video_id, segment_number, start_time, end_time, duration, storage_key, thumbnail_key,
			status, transcript, language, speakers, objects, people, activities, scene, searchable_text,
			error, audio_ms, visual_ms, analyzed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?)
		ON CONFLICT(video_id, segment_number) DO UPDATE SET
			status = excluded.status,
			transcript = excluded.transcript,
			language = excluded.language,
			speakers = excluded.speakers,
			objects = excluded.objects,
			people = excluded.people,
			activities = excluded.activities,
			scene = excluded.scene,
			searchable_text = excluded.searchable_text,
			error = NULL,
			audio_ms = excluded.audio_ms,
			visual_ms = excluded.visual_ms,
			analyzed_at = excluded.analyzed_at,
			updated_at = excluded.updated_at
	`, seg.VideoID, seg.Number, seg.StartTime, seg.EndTime, seg.Duration, seg.StorageKey, nullString(seg.ThumbnailKey),
		SegmentStatusCompleted, a.Transcript, nullString(a.Language), speakers, objects, people, activities, scene,
		a.SearchableText, result.AudioMs, result.VisualMs, now, now, now)
	return err
}

func (r *SQLiteRepository) MarkSegmentFailed(ctx context.Context, videoID string, number int, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE segments SET status = ?, error = ?, `+clearSegmentPayload+`, updated_at = ?
		WHERE video_id = ? AND segment_number = ?
	`, SegmentStatusFailed, errorMsg, formatTime(r.now()), videoID, number)
	return err
}

const segmentColumns = `video_id, segment_number, start_time, end_time, duration, storage_key, thumbnail_key,
	status, transcript, language, speakers, objects, people, activities, scene, searchable_text,
	error, audio_ms, visual_ms, analyzed_at, created_at, updated_at`

// GetSegment returns nil, nil when the segment does not exist.
func (r *SQLiteRepository) GetSegment(ctx context.Context, videoID string, number int) (*Segment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+segmentColumns+` FROM segments WHERE video_id = ? AND segment_number = ?
	`, videoID, number)
	s, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *SQLiteRepository) ListSegments(ctx context.Context, videoID string) ([]*Segment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+segmentColumns+` FROM segments WHERE video_id = ? ORDER BY segment_number
	`, videoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []*Segment
	for rows.Next() {
		s, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, s)
	}
	return segments, rows.Err()
}

func scanSegment(row rowScanner) (*Segment, error) {
	var s Segment
	var thumb, transcript, language, speakers, objects, people, activities, scene, searchable, errMsg, analyzedAt sql.NullString
	var audioMs, visualMs sql.NullInt64
	var createdAt, updatedAt string

	if err := row.Scan(&s.VideoID, &s.Number, &s.StartTime, &s.EndTime, &s.Duration, &s.StorageKey, &thumb,
		&s.Status, &transcript, &language, &speakers, &objects, &people, &activities, &scene, &searchable,
		&errMsg, &audioMs, &visualMs, &analyzedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	s.ThumbnailKey = thumb.String
	s.Analysis.Transcript = transcript.String
	s.Analysis.Language = language.String
	s.Analysis.SearchableText = searchable.String
	s.Error = errMsg.String
	s.AudioMs = audioMs.Int64
	s.VisualMs = visualMs.Int64
	s.AnalyzedAt = parseNullTime(analyzedAt)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)

	fields := []struct {
		raw sql.NullString
		dst any
	}{
		{speakers, &s.Analysis.Speakers},
		{objects, &s.Analysis.Objects},
		{people, &s.Analysis.People},
		{activities, &s.Analysis.Activities},
		{scene, &s.Analysis.Scene},
	}
	for _, f := range fields {
		if !f.raw.Valid || f.raw.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw.String), f.dst); err != nil {
			return nil, fmt.Errorf("decode segment %s payload: %w", s.Key(), err)
		}
	}
	return &s, nil
}

func marshalJSON(v any) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

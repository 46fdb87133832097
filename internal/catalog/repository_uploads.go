package catalog

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

func (r *SQLiteRepository) CreateSession(ctx context.Context, s *UploadSession) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO upload_sessions (id, owner_id, file_name, file_size, file_type, chunk_size, total_chunks,
			status, video_id, error, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.OwnerID, s.FileName, s.FileSize, s.FileType, s.ChunkSize, s.TotalChunks,
		s.Status, nullString(s.VideoID), nullString(s.Error),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt), formatTime(s.ExpiresAt))
	return err
}

// GetSession loads a session with its completed and failed chunk sets.
// It returns nil, nil when the session does not exist.
func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*UploadSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, file_name, file_size, file_type, chunk_size, total_chunks,
			status, video_id, error, created_at, updated_at, expires_at
		FROM upload_sessions WHERE id = ?
	`, id)

	var s UploadSession
	var videoID, errMsg sql.NullString
	var createdAt, updatedAt, expiresAt string
	err := row.Scan(&s.ID, &s.OwnerID, &s.FileName, &s.FileSize, &s.FileType, &s.ChunkSize, &s.TotalChunks,
		&s.Status, &videoID, &errMsg, &createdAt, &updatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.VideoID = videoID.String
	s.Error = errMsg.String
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	s.ExpiresAt = parseTime(expiresAt)

	rows, err := r.db.QueryContext(ctx, `
		SELECT chunk_index, state FROM upload_chunks WHERE session_id = ? ORDER BY chunk_index
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	s.CompletedChunks = []int{}
	s.FailedChunks = []int{}
	for rows.Next() {
		var idx int
		var state string
		if err := rows.Scan(&idx, &state); err != nil {
			return nil, err
		}
		if state == ChunkStateCompleted {
			s.CompletedChunks = append(s.CompletedChunks, idx)
		} else {
			s.FailedChunks = append(s.FailedChunks, idx)
		}
	}
	return &s, rows.Err()
}

func (r *SQLiteRepository) UpdateSessionStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE upload_sessions SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errorMsg), formatTime(r.now()), id)
	return err
}

// TransitionSession sets the status only if the current one is in from.
func (r *SQLiteRepository) TransitionSession(ctx context.Context, id string, from []string, to string) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{to, formatTime(r.now()), id}
	for _, f := range from {
		args = append(args, f)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")

	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_sessions SET status = ?, error = NULL, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *SQLiteRepository) CompleteSession(ctx context.Context, id, videoID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE upload_sessions SET status = ?, video_id = ?, error = NULL, updated_at = ? WHERE id = ?
	`, SessionStatusCompleted, videoID, formatTime(r.now()), id)
	return err
}

// SetChunkState records the latest reported state of one chunk index.
// Repeating a report is a no-op; a new state moves the index between sets.
func (r *SQLiteRepository) SetChunkState(ctx context.Context, sessionID string, index int, state string, throughputBps float64) error {
	now := formatTime(r.now())
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO upload_chunks (session_id, chunk_index, state, throughput_bps, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id, chunk_index) DO UPDATE SET
				state = excluded.state,
				throughput_bps = COALESCE(excluded.throughput_bps, upload_chunks.throughput_bps),
				updated_at = excluded.updated_at
		`, sessionID, index, state, nullFloat(throughputBps), now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE upload_sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
		return err
	})
}

// ReconcileChunks rewrites the completed set to match what storage holds.
// Present indices become completed; indices recorded as completed but absent
// from storage are dropped. Failed indices that are absent stay failed.
func (r *SQLiteRepository) ReconcileChunks(ctx context.Context, sessionID string, present []int) error {
	now := formatTime(r.now())
	return r.withTx(ctx, func(tx *sql.Tx) error {
		presentSet := make(map[int]struct{}, len(present))
		for _, idx := range present {
			presentSet[idx] = struct{}{}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO upload_chunks (session_id, chunk_index, state, updated_at)
				VALUES (?, ?, 'completed', ?)
				ON CONFLICT(session_id, chunk_index) DO UPDATE SET state = 'completed', updated_at = excluded.updated_at
			`, sessionID, idx, now); err != nil {
				return err
			}
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT chunk_index FROM upload_chunks WHERE session_id = ? AND state = 'completed'
		`, sessionID)
		if err != nil {
			return err
		}
		var stale []int
		for rows.Next() {
			var idx int
			if err := rows.Scan(&idx); err != nil {
				rows.Close()
				return err
			}
			if _, ok := presentSet[idx]; !ok {
				stale = append(stale, idx)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, idx := range stale {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM upload_chunks WHERE session_id = ? AND chunk_index = ?
			`, sessionID, idx); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `UPDATE upload_sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
		return err
	})
}

func nullFloat(f float64) sql.NullFloat64 {
	if f <= 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

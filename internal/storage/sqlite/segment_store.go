package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/streamlimit/internal/storage"
)

const lastResetKey = "last_reset"

const selectSegment = `
	SELECT id, session_id, user_id, username, rating_key, start_time,
	       duration_minutes, is_saturated, is_terminated
	FROM segments`

type segmentStore struct {
	db *sql.DB
}

type scanner interface {
	Scan(dest ...any) error
}

// ResolveActive finds or creates the active segment for the key
func (s *segmentStore) ResolveActive(ctx context.Context, key storage.SegmentKey, now time.Time, expired storage.ExpireFunc) (*storage.Resolution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, selectSegment+`
		WHERE session_id = ? AND user_id = ? AND is_terminated = 0 AND is_saturated = 0
		ORDER BY id DESC LIMIT 1`,
		key.SessionID, key.UserID,
	)

	res := &storage.Resolution{}

	active, err := scanSegment(row)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// first observation, fall through to insert
	case err != nil:
		return nil, fmt.Errorf("failed to query active segment: %w", err)
	default:
		if !expired(*active, now) {
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit: %w", err)
			}
			res.Segment = *active
			return res, nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE segments SET is_saturated = 1 WHERE id = ?`, active.ID); err != nil {
			return nil, fmt.Errorf("failed to saturate segment %d: %w", active.ID, err)
		}
		active.Saturated = true
		res.Saturated = active
	}

	start := now.UTC()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO segments (session_id, user_id, username, rating_key, start_time)
		VALUES (?, ?, ?, ?, ?)`,
		key.SessionID, key.UserID, key.Username, key.RatingKey, formatTime(start),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert segment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read segment id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	res.Created = true
	res.Segment = storage.Segment{
		ID:        id,
		SessionID: key.SessionID,
		UserID:    key.UserID,
		Username:  key.Username,
		RatingKey: key.RatingKey,
		StartTime: start,
	}

	return res, nil
}

// GetSegment retrieves a segment by ID
func (s *segmentStore) GetSegment(ctx context.Context, id int64) (*storage.Segment, error) {
	row := s.db.QueryRowContext(ctx, selectSegment+` WHERE id = ?`, id)
	return scanSegment(row)
}

// ListSegments returns every segment ordered by ID
func (s *segmentStore) ListSegments(ctx context.Context) ([]storage.Segment, error) {
	rows, err := s.db.QueryContext(ctx, selectSegment+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	segments := []storage.Segment{}
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, *seg)
	}

	return segments, rows.Err()
}

// UpdateDuration refreshes the duration of an active segment. Saturated or
// terminated segments are left untouched and the stored value never decreases.
func (s *segmentStore) UpdateDuration(ctx context.Context, id int64, minutes float64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE segments SET duration_minutes = MAX(duration_minutes, ?)
		WHERE id = ? AND is_saturated = 0 AND is_terminated = 0`,
		minutes, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update segment %d: %w", id, err)
	}

	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM segments WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// TerminateChain marks every segment of the session chain as terminated
func (s *segmentStore) TerminateChain(ctx context.Context, sessionID, userID, ratingKey string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE segments SET is_terminated = 1
		WHERE session_id = ? AND user_id = ? AND rating_key = ?`,
		sessionID, userID, ratingKey,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to terminate session %s: %w", sessionID, err)
	}

	n, _ := result.RowsAffected()
	return int(n), nil
}

// SumFinalized sums terminated minutes for a user on the given UTC date
func (s *segmentStore) SumFinalized(ctx context.Context, userID string, day string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(duration_minutes), 0) FROM segments
		WHERE user_id = ? AND is_terminated = 1 AND substr(start_time, 1, 10) = ?`,
		userID, day,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum finalized minutes: %w", err)
	}
	return total, nil
}

// SumCarriedOver sums saturated, not yet terminated minutes for a user
func (s *segmentStore) SumCarriedOver(ctx context.Context, userID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(duration_minutes), 0) FROM segments
		WHERE user_id = ? AND is_saturated = 1 AND is_terminated = 0`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum carried-over minutes: %w", err)
	}
	return total, nil
}

// ResetAll deletes every segment and records the reset date
func (s *segmentStore) ResetAll(ctx context.Context, date string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM segments`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete segments: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastResetKey, date,
	); err != nil {
		return 0, fmt.Errorf("failed to record reset date: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	n, _ := result.RowsAffected()
	return int(n), nil
}

// LastReset returns the date of the last reset, or "" if none was recorded
func (s *segmentStore) LastReset(ctx context.Context) (string, error) {
	var date string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, lastResetKey).Scan(&date)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last reset: %w", err)
	}
	return date, nil
}

func scanSegment(row scanner) (*storage.Segment, error) {
	var (
		seg        storage.Segment
		start      string
		saturated  int
		terminated int
	)

	err := row.Scan(
		&seg.ID, &seg.SessionID, &seg.UserID, &seg.Username, &seg.RatingKey,
		&start, &seg.DurationMinutes, &saturated, &terminated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan segment: %w", err)
	}

	seg.StartTime, err = time.Parse(time.RFC3339Nano, start)
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}
	seg.Saturated = saturated == 1
	seg.Terminated = terminated == 1

	return &seg, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

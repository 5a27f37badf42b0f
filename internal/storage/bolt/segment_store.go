package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/streamlimit/internal/storage"
	"go.etcd.io/bbolt"
)

type segmentStore struct {
	db *bbolt.DB
}

// ResolveActive finds or creates the active segment for the key. bbolt
// allows a single read-write transaction at a time, which makes the lookup,
// saturation and insert atomic.
func (s *segmentStore) ResolveActive(ctx context.Context, key storage.SegmentKey, now time.Time, expired storage.ExpireFunc) (*storage.Resolution, error) {
	res := &storage.Resolution{}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b, err := segmentsBucket(tx)
		if err != nil {
			return err
		}

		// Newest first; at most one segment per key is active.
		var active *storage.Segment
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var seg storage.Segment
			if err := unmarshal(v, &seg); err != nil {
				return err
			}
			if seg.SessionID == key.SessionID && seg.UserID == key.UserID && seg.Active() {
				active = &seg
				break
			}
		}

		if active != nil {
			if !expired(*active, now) {
				res.Segment = *active
				return nil
			}

			active.Saturated = true
			if err := putSegment(b, *active); err != nil {
				return fmt.Errorf("saturate segment %d: %w", active.ID, err)
			}
			res.Saturated = active
		}

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next segment id: %w", err)
		}

		seg := storage.Segment{
			ID:        int64(id),
			SessionID: key.SessionID,
			UserID:    key.UserID,
			Username:  key.Username,
			RatingKey: key.RatingKey,
			StartTime: now.UTC(),
		}
		if err := putSegment(b, seg); err != nil {
			return fmt.Errorf("insert segment: %w", err)
		}

		res.Created = true
		res.Segment = seg
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve active segment: %w", err)
	}

	return res, nil
}

// GetSegment retrieves a segment by ID
func (s *segmentStore) GetSegment(ctx context.Context, id int64) (*storage.Segment, error) {
	var seg *storage.Segment
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b, err := segmentsBucket(tx)
		if err != nil {
			return err
		}
		value := b.Get(idKey(id))
		if value == nil {
			return storage.ErrNotFound
		}
		var result storage.Segment
		if err := unmarshal(value, &result); err != nil {
			return err
		}
		seg = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seg, nil
}

// ListSegments returns every segment ordered by ID
func (s *segmentStore) ListSegments(ctx context.Context) ([]storage.Segment, error) {
	segments := []storage.Segment{}
	err := s.view(ctx, func(seg *storage.Segment) error {
		segments = append(segments, *seg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return segments, nil
}

// UpdateDuration refreshes the duration of an active segment. Frozen segments
// are left untouched and the stored value never decreases.
func (s *segmentStore) UpdateDuration(ctx context.Context, id int64, minutes float64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b, err := segmentsBucket(tx)
		if err != nil {
			return err
		}
		value := b.Get(idKey(id))
		if value == nil {
			return storage.ErrNotFound
		}
		var seg storage.Segment
		if err := unmarshal(value, &seg); err != nil {
			return err
		}
		if !seg.Active() || minutes <= seg.DurationMinutes {
			return nil
		}
		seg.DurationMinutes = minutes
		return putSegment(b, seg)
	})
}

// TerminateChain marks every segment of the session chain as terminated
func (s *segmentStore) TerminateChain(ctx context.Context, sessionID, userID, ratingKey string) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := segmentsBucket(tx)
		if err != nil {
			return err
		}

		var chain []storage.Segment
		err = forEachSegment(ctx, b, func(seg *storage.Segment) error {
			if seg.SessionID == sessionID && seg.UserID == userID && seg.RatingKey == ratingKey {
				chain = append(chain, *seg)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, seg := range chain {
			seg.Terminated = true
			if err := putSegment(b, seg); err != nil {
				return err
			}
		}
		count = len(chain)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to terminate session %s: %w", sessionID, err)
	}
	return count, nil
}

// SumFinalized sums terminated minutes for a user on the given UTC date
func (s *segmentStore) SumFinalized(ctx context.Context, userID string, day string) (float64, error) {
	var total float64
	err := s.view(ctx, func(seg *storage.Segment) error {
		if seg.UserID == userID && seg.Terminated && seg.Day() == day {
			total += seg.DurationMinutes
		}
		return nil
	})
	return total, err
}

// SumCarriedOver sums saturated, not yet terminated minutes for a user
func (s *segmentStore) SumCarriedOver(ctx context.Context, userID string) (float64, error) {
	var total float64
	err := s.view(ctx, func(seg *storage.Segment) error {
		if seg.UserID == userID && seg.Saturated && !seg.Terminated {
			total += seg.DurationMinutes
		}
		return nil
	})
	return total, err
}

// ResetAll deletes every segment and records the reset date. The bucket
// itself is kept so its sequence, and with it the ids, keep increasing.
func (s *segmentStore) ResetAll(ctx context.Context, date string) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b, err := segmentsBucket(tx)
		if err != nil {
			return err
		}

		var keys [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(keys)

		meta := tx.Bucket([]byte(bucketMeta))
		if meta == nil {
			return fmt.Errorf("bucket missing: %s", bucketMeta)
		}
		return meta.Put([]byte(keyLastReset), []byte(date))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reset segments: %w", err)
	}
	return deleted, nil
}

// LastReset returns the date of the last reset, or "" if none was recorded
func (s *segmentStore) LastReset(ctx context.Context) (string, error) {
	var date string
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta == nil {
			return nil
		}
		date = string(meta.Get([]byte(keyLastReset)))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to read last reset: %w", err)
	}
	return date, nil
}

// view walks every segment inside a read-only transaction
func (s *segmentStore) view(ctx context.Context, fn func(seg *storage.Segment) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b, err := segmentsBucket(tx)
		if err != nil {
			return err
		}
		return forEachSegment(ctx, b, fn)
	})
}

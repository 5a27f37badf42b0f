package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/streamlimit/internal/storage"
	"github.com/redis/go-redis/v9"
)

// maxResolveRetries bounds optimistic transaction retries in ResolveActive
const maxResolveRetries = 10

type segmentStore struct {
	client *redis.Client
	keys   keyspace
}

// ResolveActive finds or creates the active segment for the key.
// The active pointer is WATCHed so a concurrent resolve, terminate or reset
// aborts the transaction, which is then retried.
func (s *segmentStore) ResolveActive(ctx context.Context, key storage.SegmentKey, now time.Time, expired storage.ExpireFunc) (*storage.Resolution, error) {
	activeKey := s.keys.active(key.SessionID, key.UserID)

	var res *storage.Resolution

	txf := func(tx *redis.Tx) error {
		res = &storage.Resolution{}

		var previous *storage.Segment

		activeID, err := tx.Get(ctx, activeKey).Int64()
		switch {
		case errors.Is(err, redis.Nil):
			// no active segment
		case err != nil:
			return err
		default:
			data, err := tx.HGetAll(ctx, s.keys.segment(activeID)).Result()
			if err != nil {
				return err
			}
			seg, err := parseSegment(data)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			if err == nil && seg.Active() {
				if !expired(*seg, now) {
					res.Segment = *seg
					return nil
				}
				previous = seg
			}
		}

		id, err := tx.Incr(ctx, s.keys.seq()).Result()
		if err != nil {
			return err
		}

		seg := storage.Segment{
			ID:        id,
			SessionID: key.SessionID,
			UserID:    key.UserID,
			Username:  key.Username,
			RatingKey: key.RatingKey,
			StartTime: now.UTC(),
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if previous != nil {
				pipe.HSet(ctx, s.keys.segment(previous.ID), "is_saturated", "1")
			}
			pipe.HSet(ctx, s.keys.segment(id), segmentFields(seg))
			pipe.SAdd(ctx, s.keys.all(), id)
			pipe.SAdd(ctx, s.keys.user(key.UserID), id)
			pipe.SAdd(ctx, s.keys.chain(key.SessionID, key.UserID, key.RatingKey), id)
			pipe.Set(ctx, activeKey, id, 0)
			return nil
		})
		if err != nil {
			return err
		}

		if previous != nil {
			previous.Saturated = true
			res.Saturated = previous
		}
		res.Created = true
		res.Segment = seg

		return nil
	}

	for i := 0; i < maxResolveRetries; i++ {
		err := s.client.Watch(ctx, txf, activeKey)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("failed to resolve active segment: %w", err)
	}

	return nil, fmt.Errorf("failed to resolve active segment for %s/%s: transaction kept conflicting", key.SessionID, key.UserID)
}

// GetSegment retrieves a segment by ID
func (s *segmentStore) GetSegment(ctx context.Context, id int64) (*storage.Segment, error) {
	data, err := s.client.HGetAll(ctx, s.keys.segment(id)).Result()
	if err != nil {
		return nil, err
	}

	return parseSegment(data)
}

// ListSegments returns every segment ordered by ID
func (s *segmentStore) ListSegments(ctx context.Context) ([]storage.Segment, error) {
	return s.loadSet(ctx, s.keys.all())
}

// UpdateDuration refreshes the duration of an active segment
func (s *segmentStore) UpdateDuration(ctx context.Context, id int64, minutes float64) error {
	script := redis.NewScript(updateDurationScript)

	result, err := script.Run(ctx, s.client, []string{s.keys.segment(id)}, formatMinutes(minutes)).Int()
	if err != nil {
		return fmt.Errorf("failed to update segment %d: %w", id, err)
	}

	if result < 0 {
		return storage.ErrNotFound
	}

	return nil
}

// TerminateChain marks every segment of the session chain as terminated
func (s *segmentStore) TerminateChain(ctx context.Context, sessionID, userID, ratingKey string) (int, error) {
	script := redis.NewScript(terminateChainScript)

	keys := []string{
		s.keys.chain(sessionID, userID, ratingKey),
		s.keys.active(sessionID, userID),
	}

	count, err := script.Run(ctx, s.client, keys, s.keys.segmentPrefix()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to terminate session %s: %w", sessionID, err)
	}

	return count, nil
}

// SumFinalized sums terminated minutes for a user on the given UTC date
func (s *segmentStore) SumFinalized(ctx context.Context, userID string, day string) (float64, error) {
	segments, err := s.loadSet(ctx, s.keys.user(userID))
	if err != nil {
		return 0, err
	}

	var total float64
	for _, seg := range segments {
		if seg.Terminated && seg.Day() == day {
			total += seg.DurationMinutes
		}
	}

	return total, nil
}

// SumCarriedOver sums saturated, not yet terminated minutes for a user
func (s *segmentStore) SumCarriedOver(ctx context.Context, userID string) (float64, error) {
	segments, err := s.loadSet(ctx, s.keys.user(userID))
	if err != nil {
		return 0, err
	}

	var total float64
	for _, seg := range segments {
		if seg.Saturated && !seg.Terminated {
			total += seg.DurationMinutes
		}
	}

	return total, nil
}

// ResetAll deletes every segment and index, then records the reset date.
// The id counter is kept so ids stay monotonic across days. The reset date
// is written last, in the same MULTI as the id set, so an interrupted wipe
// is redone in full on the next tick.
func (s *segmentStore) ResetAll(ctx context.Context, date string) (int, error) {
	deleted, err := s.deleteMatching(ctx, s.keys.segmentPrefix()+"*")
	if err != nil {
		return 0, err
	}

	for _, pattern := range s.keys.resetPatterns() {
		if _, err := s.deleteMatching(ctx, pattern); err != nil {
			return deleted, err
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keys.all())
		pipe.Set(ctx, s.keys.lastReset(), date, 0)
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("failed to record reset date: %w", err)
	}

	return deleted, nil
}

// LastReset returns the date of the last reset, or "" if none was recorded
func (s *segmentStore) LastReset(ctx context.Context) (string, error) {
	date, err := s.client.Get(ctx, s.keys.lastReset()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last reset: %w", err)
	}
	return date, nil
}

// loadSet loads every segment whose id is a member of setKey
func (s *segmentStore) loadSet(ctx context.Context, setKey string) ([]storage.Segment, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.Segment{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))

	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keys.segmentPrefix()+id)
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	segments := make([]storage.Segment, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		seg, err := parseSegment(data)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", ids[i], err)
		}
		segments = append(segments, *seg)
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].ID < segments[j].ID
	})

	return segments, nil
}

// deleteMatching scans and deletes keys matching pattern
func (s *segmentStore) deleteMatching(ctx context.Context, pattern string) (int, error) {
	var cursor uint64
	var deletedCount int

	for {
		var keys []string
		var err error
		keys, cursor, err = s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deletedCount, err
		}

		if len(keys) > 0 {
			deleted, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return deletedCount, err
			}
			deletedCount += int(deleted)
		}

		if cursor == 0 {
			break
		}
	}

	return deletedCount, nil
}

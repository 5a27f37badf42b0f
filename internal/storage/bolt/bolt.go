package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goodtune/streamlimit/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketSegments = "segments"
	bucketMeta     = "meta"

	keyLastReset = "last_reset"
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db       *bbolt.DB
	segments *segmentStore
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db, segments: &segmentStore{db: db}}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketSegments, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Segments returns the segment store.
func (s *Store) Segments() storage.SegmentStore { return s.segments }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

// idKey encodes a segment id big-endian so cursor order is id order.
func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

// forEachSegment decodes every segment of the bucket in id order.
func forEachSegment(ctx context.Context, b *bbolt.Bucket, fn func(seg *storage.Segment) error) error {
	return b.ForEach(func(_, v []byte) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var seg storage.Segment
		if err := unmarshal(v, &seg); err != nil {
			return err
		}
		return fn(&seg)
	})
}

func putSegment(b *bbolt.Bucket, seg storage.Segment) error {
	data, err := marshal(seg)
	if err != nil {
		return err
	}
	return b.Put(idKey(seg.ID), data)
}

func segmentsBucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(bucketSegments))
	if b == nil {
		return nil, fmt.Errorf("bucket missing: %s", bucketSegments)
	}
	return b, nil
}

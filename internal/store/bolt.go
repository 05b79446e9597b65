package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
)

var (
	bucketIterations = []byte("iterations")
	bucketIDs        = []byte("iteration_ids")
)

// BoltStore persists iterations in a BoltDB file. Records are keyed by a
// zero-padded sequence so cursor order is save order, and stored as
// zstd-compressed JSON.
type BoltStore struct {
	db     *bbolt.DB
	mu     sync.Mutex
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	cache  *lru.Cache[string, []byte]
	logger *slog.Logger
}

// NewBoltStore opens or creates the database at path
func NewBoltStore(path string, cacheSize int, logger *slog.Logger) (*BoltStore, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}

	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketIterations, bucketIDs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		enc.Close()
		dec.Close()
		db.Close()
		return nil, fmt.Errorf("create cache: %w", err)
	}

	logger.Info("Opened iteration store", "path", path, "cache_size", cacheSize)

	return &BoltStore{
		db:     db,
		enc:    enc,
		dec:    dec,
		cache:  cache,
		logger: logger,
	}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// SaveIteration appends a record
func (s *BoltStore) SaveIteration(ctx context.Context, it model.Iteration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	it = prepare(it)
	data, err := encode(it)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	compressed := s.enc.EncodeAll(data, nil)

	var key []byte
	err = s.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(bucketIDs)
		if ids.Get([]byte(it.ID)) != nil {
			return fmt.Errorf("iteration %s already exists", it.ID)
		}

		bucket := tx.Bucket(bucketIterations)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key = seqKey(seq)
		if err := bucket.Put(key, compressed); err != nil {
			return err
		}
		return ids.Put([]byte(it.ID), key)
	})
	if err != nil {
		return "", fmt.Errorf("save iteration: %w", err)
	}

	s.cache.Add(string(key), data)
	s.logger.Debug("Saved iteration", "id", it.ID, "epoch", it.Epoch, "bytes", len(compressed))
	return it.ID, nil
}

// load decodes the record stored under key. Decompressed JSON is cached
// so every caller still gets its own copy.
func (s *BoltStore) load(key, value []byte) (model.Iteration, error) {
	if data, ok := s.cache.Get(string(key)); ok {
		return decode(data)
	}

	data, err := s.dec.DecodeAll(value, nil)
	if err != nil {
		return model.Iteration{}, fmt.Errorf("decompress iteration %s: %w", key, err)
	}
	s.cache.Add(string(key), data)
	return decode(data)
}

// RecentIterations returns up to limit records, newest first
func (s *BoltStore) RecentIterations(ctx context.Context, limit int) ([]model.Iteration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []model.Iteration
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketIterations).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			it, err := s.load(k, v)
			if err != nil {
				return err
			}
			out = append(out, it)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AllIterations returns every record, oldest first
func (s *BoltStore) AllIterations(ctx context.Context) ([]model.Iteration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []model.Iteration
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIterations).ForEach(func(k, v []byte) error {
			it, err := s.load(k, v)
			if err != nil {
				return err
			}
			out = append(out, it)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Iteration returns one record by id
func (s *BoltStore) Iteration(ctx context.Context, id string) (model.Iteration, error) {
	if err := ctx.Err(); err != nil {
		return model.Iteration{}, err
	}

	var it model.Iteration
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(bucketIDs).Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}
		value := tx.Bucket(bucketIterations).Get(key)
		if value == nil {
			return fmt.Errorf("index for %s points at missing record %s", id, key)
		}
		var err error
		it, err = s.load(key, value)
		return err
	})
	return it, err
}

// Count returns the number of stored records
func (s *BoltStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketIterations).Stats().KeyN
		return nil
	})
	return n, err
}

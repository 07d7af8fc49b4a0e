package blob

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"
)

// BoltStore keeps blobs in a single bbolt database file.
// Value layout: 8 bytes big endian mtime (unix nanoseconds) || raw bytes.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
	clock  clockwork.Clock
}

type BoltOptions struct {
	// Bucket is the name of the Bolt bucket to use.
	Bucket string
	// Clock stamps modification times; defaults to the wall clock.
	Clock clockwork.Clock
}

const mtimeLen = 8

// OpenBolt initializes or opens a BoltStore at the given path.
func OpenBolt(path string, opts BoltOptions) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	bucket := []byte("blobs")
	if opts.Bucket != "" {
		bucket = []byte(opts.Bucket)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BoltStore{db: db, bucket: bucket, clock: clock}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) Read(_ context.Context, id string) ([]byte, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v[mtimeLen:]...)
		return nil
	})
	return out, err
}

// Write allocates the identifier and stores the value in one transaction,
// so two concurrent writers can never claim the same id.
func (s *BoltStore) Write(_ context.Context, data []byte) (string, error) {
	buf := make([]byte, mtimeLen+len(data))
	binary.BigEndian.PutUint64(buf[:mtimeLen], uint64(s.clock.Now().UnixNano()))
	copy(buf[mtimeLen:], data)

	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		var err error
		id, err = allocate(func(candidate string) (bool, error) {
			if b.Get([]byte(candidate)) != nil {
				return false, nil
			}
			return true, b.Put([]byte(candidate), buf)
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *BoltStore) List(_ context.Context) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, v []byte) error {
			if len(v) < mtimeLen {
				return nil
			}
			out = append(out, Record{
				ID:      string(k),
				Size:    int64(len(v) - mtimeLen),
				ModTime: time.Unix(0, int64(binary.BigEndian.Uint64(v[:mtimeLen]))),
			})
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Delete(_ context.Context, id string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

// Package blob persists uploaded image bytes under short random identifiers.
//
// Several backends implement Store: a plain directory (one file per blob),
// a bbolt database, a Redis instance, and a client for the blob daemon that
// serves any of those over a Unix socket.
package blob

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Record describes one stored blob.
type Record struct {
	ID      string    `json:"id"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Store is durable storage for image bytes.
// Implementations must be safe for concurrent use by multiple goroutines.
type Store interface {
	// Read returns the bytes stored under id, or ErrNotFound.
	Read(ctx context.Context, id string) ([]byte, error)
	// Write stores data under a freshly generated identifier that did not
	// exist before the call and returns it.
	Write(ctx context.Context, data []byte) (string, error)
	// List returns every stored blob with its size and modification time.
	List(ctx context.Context) ([]Record, error)
	// Delete removes id. Deleting a missing id returns ErrNotFound.
	Delete(ctx context.Context, id string) error
	Close() error
}

var (
	ErrNotFound  = errors.New("blob: not found")
	ErrInvalidID = errors.New("blob: invalid id")
	ErrNoFreeID  = errors.New("blob: could not allocate a free id")
)

const (
	// IDLength is the number of characters in a generated identifier.
	IDLength   = 10
	idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	// maxIDLength bounds identifiers accepted from callers.
	maxIDLength = 64
	maxAttempts = 16
)

// NewID returns a random identifier of IDLength alphanumeric characters.
func NewID() (string, error) {
	buf := make([]byte, IDLength)
	limit := big.NewInt(int64(len(idAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("blob: generate id: %w", err)
		}
		buf[i] = idAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// ValidID reports whether id is safe to use as a key or a file name:
// non-empty, at most 64 characters, ASCII letters and digits only.
func ValidID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

// allocate draws identifiers until claim succeeds. claim returns
// (false, nil) when the identifier is already taken.
func allocate(claim func(id string) (bool, error)) (string, error) {
	for i := 0; i < maxAttempts; i++ {
		id, err := NewID()
		if err != nil {
			return "", err
		}
		ok, err := claim(id)
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}
	}
	return "", ErrNoFreeID
}

// Package id generates identifiers for queue items, acknowledgements and
// inbox notifications.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a lower-case ULID. IDs generated by one process sort in
// creation order, which keeps offline queues replayable in enqueue order.
func NewID() (string, error) {
	return NewIDAt(time.Now())
}

// NewIDAt returns a lower-case ULID stamped with the provided time.
func NewIDAt(at time.Time) (string, error) {
	entropyMu.Lock()
	value, err := ulid.New(ulid.Timestamp(at), entropy)
	entropyMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return strings.ToLower(value.String()), nil
}

// Time extracts the creation time encoded in an id produced by NewID.
func Time(raw string) (time.Time, error) {
	value, err := ulid.ParseStrict(strings.ToUpper(strings.TrimSpace(raw)))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse id: %w", err)
	}
	return ulid.Time(value.Time()).UTC(), nil
}

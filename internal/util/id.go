package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a lexically sortable ULID, optionally prefixed ("ses_01J...").
func NewID(prefix string) string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewEvent returns a lexicographically sortable id for an access event
// stamped at t. Ids minted within the same millisecond stay ordered.
func NewEvent(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// NewRequest returns a random id used to correlate one HTTP request or RPC
// across log lines.
func NewRequest() string { return uuid.NewString() }

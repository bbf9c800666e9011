// Package id generates ULID identifiers for sessions, trades, lots, and
// OCO groups: time-sortable strings well suited to journal/sqlite indexes.
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	// Seed a PRNG from crypto/rand so ULID entropy is unpredictable.
	// ulid.Monotonic keeps IDs generated within the same millisecond
	// lexicographically increasing.
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a ULID string.
func New() string {
	mu.Lock()
	defer mu.Unlock()

	v, err := ulid.New(ulid.Timestamp(time.Now().UTC()), mono)
	if err != nil {
		// Extremely unlikely unless time goes backwards or entropy fails.
		panic(err)
	}
	return v.String()
}

// NewSession returns a session id, prefixed so it sorts apart from other
// id kinds in logs and in the sessions table.
func NewSession() string { return "sess_" + New() }

// NewTrade returns a trade id.
func NewTrade() string { return "trd_" + New() }

// NewLot returns a lot id.
func NewLot() string { return "lot_" + New() }

// NewOCOGroup returns an OCO group id, keyed conceptually by (symbol,
// session) but made globally unique so two brackets on the same symbol
// across sessions never collide.
func NewOCOGroup() string { return "oco_" + New() }

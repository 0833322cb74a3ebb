// Package ids provides the ID schemes used throughout the workflow runtime:
// prefixed, monotonic ULID-suffixed identifiers for runs and correlations,
// and a seeded factory so that replaying a workflow against the same event
// log reproduces the same IDs for any new primitive it reaches.
package ids

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefix identifies the kind of entity an ID belongs to. Prefixes let callers
// and logs recognize an ID's entity type at a glance without a lookup.
type Prefix string

// The ID prefixes recognized by the runtime (spec.md §6 "ID prefixes").
const (
	PrefixRun         Prefix = "wrun"
	PrefixStep        Prefix = "step"
	PrefixHook        Prefix = "hook"
	PrefixWait        Prefix = "wait"
	PrefixStream      Prefix = "strm"
	PrefixEvent       Prefix = "evt"
	PrefixCorrelation Prefix = "corr"
)

// New returns a fresh, process-randomized ID with the given prefix. Use this
// outside of workflow replay (e.g. when a client starts a new run) where
// determinism is not required.
func New(p Prefix) string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.New(rand.NewSource(time.Now().UnixNano())))
	return string(p) + "_" + id.String()
}

// Factory generates IDs for a single run's replay. A Factory seeded from the
// run's own ID produces the same sequence of IDs on every replay of that
// run's event log, which is required for determinism (spec.md §4.E,
// "Determinism requirements").
//
// Next is guarded by a mutex, but each replay still owns one instance:
// sharing a Factory across replays would break the per-run determinism.
type Factory struct {
	mu     sync.Mutex
	source io.Reader
	clock  func() time.Time
}

// NewSeededFactory returns a Factory whose entropy source is deterministically
// derived from runID. Two factories built from the same runID generate
// identical sequences of ULIDs when asked to mint the same number of IDs in
// the same order, and clock ties each minted ULID's timestamp component to
// the provided time source rather than wall-clock time so that replay at a
// different real time still agrees with the original run.
func NewSeededFactory(runID string, clock func() time.Time) *Factory {
	seed := seedFromRunID(runID)
	return &Factory{
		source: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0),
		clock:  clock,
	}
}

func seedFromRunID(runID string) int64 {
	sum := sha256.Sum256([]byte(runID))
	return int64(binary.BigEndian.Uint64(sum[:8])) // #nosec G115 -- deterministic seed, not security sensitive
}

// Next mints the next ID in this factory's deterministic sequence, prefixed
// with p.
func (f *Factory) Next(p Prefix) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := time.Now()
	if f.clock != nil {
		t = f.clock()
	}
	id := ulid.MustNew(ulid.Timestamp(t), f.source)
	return string(p) + "_" + id.String()
}

// Suffix returns the ULID portion of a prefixed ID, or "" if id does not
// contain the expected separator.
func Suffix(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == '_' {
			return id[i+1:]
		}
	}
	return ""
}

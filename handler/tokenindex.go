package handler

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownToken is returned by TokenIndex.Resolve for a token no
// hook_created event has ever registered.
var ErrUnknownToken = errors.New("handler: unknown webhook token")

// TokenIndex maps a user-chosen webhook token back to the (runId,
// correlationId) pair UseHook registered it under, so a direct webhook
// delivery (spec.md §6 "POST .../webhook/<urlencoded-token>") knows which
// run and which pending hook to append a hook_received event to. Hook
// tokens are opaque to the engine itself; this index is the only place
// that remembers the mapping.
type TokenIndex interface {
	Register(ctx context.Context, token, runID, correlationID string) error
	Resolve(ctx context.Context, token string) (runID, correlationID string, err error)
}

type tokenEntry struct {
	runID, correlationID string
}

// MemoryTokenIndex is the in-process reference TokenIndex, adequate for a
// single-daemon deployment or tests. A multi-process deployment needs a
// store-backed index instead (see DESIGN.md).
type MemoryTokenIndex struct {
	mu     sync.Mutex
	tokens map[string]tokenEntry
}

// NewMemoryTokenIndex returns an empty MemoryTokenIndex.
func NewMemoryTokenIndex() *MemoryTokenIndex {
	return &MemoryTokenIndex{tokens: make(map[string]tokenEntry)}
}

func (idx *MemoryTokenIndex) Register(_ context.Context, token, runID, correlationID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tokens[token] = tokenEntry{runID: runID, correlationID: correlationID}
	return nil
}

func (idx *MemoryTokenIndex) Resolve(_ context.Context, token string) (string, string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.tokens[token]
	if !ok {
		return "", "", ErrUnknownToken
	}
	return e.runID, e.correlationID, nil
}

package logs

import "sync"

// Tracker allocates entry indexes for a session run and resolves
// correlation ids back to them so streamed updates can grow an entry
// in place. One tracker is shared by everything emitting into the same
// patch log, keeping the index space coherent across stdout and stderr.
type Tracker struct {
	mu     sync.Mutex
	next   int
	byCorr map[string]int
	revs   map[string]int
}

// NewTracker starts an empty index space.
func NewTracker() *Tracker {
	return NewTrackerAt(0)
}

// NewTrackerAt starts allocation at next. Follow-up runs use this to
// continue a session's existing index space instead of colliding with
// entries from earlier runs.
func NewTrackerAt(next int) *Tracker {
	return &Tracker{
		next:   next,
		byCorr: make(map[string]int),
		revs:   make(map[string]int),
	}
}

// Insert allocates the next index for entry and returns the insert
// patch. A non-empty correlation id is remembered for later updates.
func (t *Tracker) Insert(entry *NormalizedEntry) Patch {
	t.mu.Lock()
	defer t.mu.Unlock()
	index := t.next
	t.next++
	if entry.CorrelationID != "" {
		t.byCorr[entry.CorrelationID] = index
	}
	return Patch{Op: OpInsert, Index: index, Entry: entry}
}

// Update builds a partial-update patch against the entry previously
// inserted under corrID, bumping its revision counter. Returns false
// when the correlation id is unknown.
func (t *Tracker) Update(corrID string, partial *NormalizedEntry) (Patch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	index, ok := t.byCorr[corrID]
	if !ok {
		return Patch{}, false
	}
	t.revs[corrID]++
	partial.CorrelationID = corrID
	partial.Revision = t.revs[corrID]
	return Patch{Op: OpUpdate, Index: index, Entry: partial}, true
}

// Finalize builds the finalize patch for corrID and forgets the
// correlation id so it cannot grow further. Returns false when
// unknown.
func (t *Tracker) Finalize(corrID string) (Patch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	index, ok := t.byCorr[corrID]
	if !ok {
		return Patch{}, false
	}
	delete(t.byCorr, corrID)
	delete(t.revs, corrID)
	return Patch{Op: OpFinalize, Index: index}, true
}

// Count reports how many entries have been allocated.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

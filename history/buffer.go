// Package history implements the circular-buffer store of executed-command
// records.
//
// Entries are assigned strictly increasing ids starting at 1 for the life of
// the owning runspace. The buffer has a fixed capacity; the slot for an entry
// is (id-1) mod capacity, so old slots are reused while ids never are.
// Clearing an entry is a soft delete: the record stays in its slot for id
// arithmetic but is excluded from lookups and from the live-entry count.
//
// The capacity can change between operations (it is commonly driven by a
// session variable); the buffer re-reads it through the configured
// CapacityFunc before every access and reallocates in place, preserving the
// most recent entries.
package history

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/smnsjas/go-pshost/pipeline"
)

const (
	// DefaultCapacity is the history buffer capacity used when no size
	// variable is configured.
	DefaultCapacity int64 = 4096
	// MinCapacity is the smallest allowed buffer capacity.
	MinCapacity int64 = 1
	// MaxCapacity is the largest allowed buffer capacity.
	MaxCapacity int64 = math.MaxInt16
)

var (
	// ErrInvalidID is returned for a direct lookup with a non-positive id.
	ErrInvalidID = errors.New("history id must be positive")
	// ErrInvalidCount is returned for a count outside the documented range.
	ErrInvalidCount = errors.New("invalid history entry count")
	// ErrNilPattern is returned when a required wildcard argument is nil.
	ErrNilPattern = errors.New("wildcard pattern must not be nil")
)

// Info is one executed-command record. It is immutable after creation except
// for the status/end-time update on completion and the Cleared soft-delete
// flag.
type Info struct {
	ID          int64          `json:"id"`
	CommandLine string         `json:"command_line"`
	Status      pipeline.State `json:"status"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
	Cleared     bool           `json:"-"`
}

// Duration returns the execution duration.
func (i Info) Duration() time.Duration {
	return i.EndTime.Sub(i.StartTime)
}

// CapacityFunc supplies the configured buffer capacity. It is consulted
// before every buffer access; out-of-range values are clamped.
type CapacityFunc func() int64

// Buffer is the circular history store. All operations are safe for
// concurrent use; Add and Update offer a non-blocking skip-if-locked mode
// for re-entrant completion callbacks.
type Buffer struct {
	mu sync.Mutex

	entries  []*Info
	capacity int64

	countAdded    int64 // total ids ever issued
	countInBuffer int64 // retained, non-cleared entries

	capacityFn CapacityFunc
}

// New creates a buffer with a fixed capacity. Out-of-range capacities are
// clamped to [MinCapacity, MaxCapacity].
func New(capacity int64) *Buffer {
	capacity = clampCapacity(capacity)
	return &Buffer{
		entries:  make([]*Info, capacity),
		capacity: capacity,
	}
}

// NewWithCapacityFunc creates a buffer whose capacity is re-read through fn
// before every access.
func NewWithCapacityFunc(fn CapacityFunc) *Buffer {
	b := New(DefaultCapacity)
	b.capacityFn = fn
	b.mu.Lock()
	b.reallocateIfNeededLocked()
	b.mu.Unlock()
	return b
}

func clampCapacity(c int64) int64 {
	if c < MinCapacity {
		return MinCapacity
	}
	if c > MaxCapacity {
		return MaxCapacity
	}
	return c
}

// Add appends a new entry and returns its id. With skipIfLocked set it
// returns -1 without blocking if the buffer mutex is held elsewhere.
func (b *Buffer) Add(cmdline string, status pipeline.State, start, end time.Time, skipIfLocked bool) int64 {
	if skipIfLocked {
		if !b.mu.TryLock() {
			return -1
		}
	} else {
		b.mu.Lock()
	}
	defer b.mu.Unlock()

	b.reallocateIfNeededLocked()

	id := b.countAdded + 1
	slot := (id - 1) % b.capacity
	if old := b.entries[slot]; old != nil && !old.Cleared {
		// Wraparound overwrites the oldest retained entry.
		b.countInBuffer--
	}
	b.entries[slot] = &Info{
		ID:          id,
		CommandLine: cmdline,
		Status:      status,
		StartTime:   start,
		EndTime:     end,
	}
	b.countAdded = id
	b.countInBuffer++
	return id
}

// Update records the outcome of an existing entry. It returns false if the
// entry no longer exists, or if skipIfLocked was set and the mutex was held.
func (b *Buffer) Update(id int64, status pipeline.State, end time.Time, skipIfLocked bool) bool {
	if id <= 0 {
		return false
	}
	if skipIfLocked {
		if !b.mu.TryLock() {
			return false
		}
	} else {
		b.mu.Lock()
	}
	defer b.mu.Unlock()

	b.reallocateIfNeededLocked()

	entry := b.entryAtLocked(id)
	if entry == nil {
		return false
	}
	entry.Status = status
	entry.EndTime = end
	return true
}

// Entry returns a copy of the entry with the given id, or nil if the entry
// was cleared or has been overwritten. A non-positive id is an error.
func (b *Buffer) Entry(id int64) (*Info, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidID, id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reallocateIfNeededLocked()

	entry := b.entryAtLocked(id)
	if entry == nil || entry.Cleared {
		return nil, nil
	}
	dup := *entry
	return &dup, nil
}

// Entries returns entries addressed by id and count:
//
//   - id > 0, newest false: the count most-recent entries at or before id,
//     ordered oldest first.
//   - id > 0, newest true: the count entries at or after id, ordered newest
//     first.
//   - id == 0, newest false: the oldest count non-cleared entries.
//   - id == 0, newest true: the newest count non-cleared entries.
//
// count == -1 means all. Cleared entries are never returned.
func (b *Buffer) Entries(id, count int64, newest bool) ([]Info, error) {
	if id < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidID, id)
	}
	if count < -1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCount, count)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reallocateIfNeededLocked()
	return b.collectLocked(id, count, newest, nil), nil
}

// EntriesMatching returns entries whose trimmed command line matches the
// wildcard pattern, using the same ordering rules as Entries. count == 0
// means all matches.
func (b *Buffer) EntriesMatching(pattern *Wildcard, count int64, newest bool) ([]Info, error) {
	if pattern == nil {
		return nil, ErrNilPattern
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCount, count)
	}
	if count == 0 {
		count = -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reallocateIfNeededLocked()
	return b.collectLocked(0, count, newest, pattern), nil
}

// collectLocked gathers non-cleared entries per the addressing mode.
// Caller must hold b.mu.
func (b *Buffer) collectLocked(id, count int64, newest bool, pattern *Wildcard) []Info {
	lowest := int64(1)
	if b.countAdded > b.capacity {
		lowest = b.countAdded - b.capacity + 1
	}
	highest := b.countAdded

	match := func(e *Info) bool {
		if e == nil || e.Cleared {
			return false
		}
		if pattern != nil && !pattern.Match(strings.TrimSpace(e.CommandLine)) {
			return false
		}
		return true
	}

	var out []Info
	take := func(i int64) bool {
		if count >= 0 && int64(len(out)) >= count {
			return false
		}
		if e := b.entryAtLocked(i); match(e) {
			out = append(out, *e)
		}
		return true
	}

	switch {
	case id > 0 && !newest:
		// Most recent at or before id, then flipped to oldest-first.
		from := id
		if from > highest {
			from = highest
		}
		for i := from; i >= lowest; i-- {
			if !take(i) {
				break
			}
		}
		reverse(out)

	case id > 0 && newest:
		// At or after id, then flipped to newest-first.
		from := id
		if from < lowest {
			from = lowest
		}
		for i := from; i <= highest; i++ {
			if !take(i) {
				break
			}
		}
		reverse(out)

	case !newest:
		for i := lowest; i <= highest; i++ {
			if !take(i) {
				break
			}
		}

	default:
		for i := highest; i >= lowest; i-- {
			if !take(i) {
				break
			}
		}
	}
	return out
}

func reverse(s []Info) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// Clear soft-deletes the entry with the given id. It is idempotent on
// already-cleared ids and a no-op for overwritten ones.
func (b *Buffer) Clear(id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidID, id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reallocateIfNeededLocked()

	entry := b.entryAtLocked(id)
	if entry == nil || entry.Cleared {
		return nil
	}
	entry.Cleared = true
	b.countInBuffer--
	return nil
}

// Capacity returns the current configured buffer capacity.
func (b *Buffer) Capacity() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reallocateIfNeededLocked()
	return b.capacity
}

// NextID returns the id the next Add call will assign.
func (b *Buffer) NextID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countAdded + 1
}

// EntriesInBuffer returns the number of retained, non-cleared entries.
func (b *Buffer) EntriesInBuffer() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countInBuffer
}

// SetCapacity reconfigures the buffer capacity, reallocating in place.
// Shrinking discards the oldest entries beyond the new capacity.
func (b *Buffer) SetCapacity(capacity int64) {
	capacity = clampCapacity(capacity)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reallocateLocked(capacity)
}

// entryAtLocked returns the retained entry with the given id, or nil if the
// slot now holds a different id. Caller must hold b.mu.
func (b *Buffer) entryAtLocked(id int64) *Info {
	if id <= 0 || id > b.countAdded {
		return nil
	}
	entry := b.entries[(id-1)%b.capacity]
	if entry == nil || entry.ID != id {
		return nil
	}
	return entry
}

// reallocateIfNeededLocked re-reads the configured capacity and reallocates
// when it changed. Caller must hold b.mu.
func (b *Buffer) reallocateIfNeededLocked() {
	if b.capacityFn == nil {
		return
	}
	want := clampCapacity(b.capacityFn())
	if want != b.capacity {
		b.reallocateLocked(want)
	}
}

// reallocateLocked rebuilds the slot array for the new capacity, preserving
// the most recent min(retained, newCapacity) records reindexed to
// (id-1) mod newCapacity. Ids are never reused even though slots are.
func (b *Buffer) reallocateLocked(newCapacity int64) {
	if newCapacity == b.capacity {
		return
	}
	fresh := make([]*Info, newCapacity)
	var kept, live int64
	for id := b.countAdded; id >= 1 && kept < newCapacity; id-- {
		entry := b.entryAtLocked(id)
		if entry == nil {
			break
		}
		fresh[(id-1)%newCapacity] = entry
		kept++
		if !entry.Cleared {
			live++
		}
	}
	b.entries = fresh
	b.capacity = newCapacity
	b.countInBuffer = live
}

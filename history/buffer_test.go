package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-pshost/pipeline"
)

func addN(t *testing.T, b *Buffer, lines ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(lines))
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i, line := range lines {
		start := base.Add(time.Duration(i) * time.Minute)
		id := b.Add(line, pipeline.StateRunning, start, time.Time{}, false)
		require.Positive(t, id)
		require.True(t, b.Update(id, pipeline.StateCompleted, start.Add(time.Second), false))
		ids = append(ids, id)
	}
	return ids
}

func lines(entries []Info) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.CommandLine
	}
	return out
}

func TestAddAssignsMonotonicIDs(t *testing.T) {
	b := New(3)
	ids := addN(t, b, "a", "b", "c", "d", "e")
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids)
	assert.Equal(t, int64(6), b.NextID())

	// Capacity 3: only the newest three remain.
	assert.Equal(t, int64(3), b.EntriesInBuffer())
	entry, err := b.Entry(1)
	require.NoError(t, err)
	assert.Nil(t, entry, "overwritten entry should be gone")

	entry, err = b.Entry(5)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "e", entry.CommandLine)
	assert.Equal(t, pipeline.StateCompleted, entry.Status)
}

func TestEntryRejectsNonPositiveID(t *testing.T) {
	b := New(3)
	_, err := b.Entry(0)
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = b.Entry(-7)
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestEntriesAddressingModes(t *testing.T) {
	b := New(3)
	addN(t, b, "a", "b", "c", "d", "e") // retained: c=3, d=4, e=5

	tests := []struct {
		name   string
		id     int64
		count  int64
		newest bool
		want   []string
	}{
		{"at-or-before oldest-first", 4, 2, false, []string{"c", "d"}},
		{"at-or-after newest-first", 4, 2, true, []string{"e", "d"}},
		{"oldest n ascending", 0, 2, false, []string{"c", "d"}},
		{"newest n descending", 0, 2, true, []string{"e", "d"}},
		{"all ascending", 0, -1, false, []string{"c", "d", "e"}},
		{"all descending", 0, -1, true, []string{"e", "d", "c"}},
		{"id above highest clamps", 99, 1, false, []string{"e"}},
		{"id below lowest clamps", 1, 2, true, []string{"d", "c"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := b.Entries(tc.id, tc.count, tc.newest)
			require.NoError(t, err)
			assert.Equal(t, tc.want, lines(got))
		})
	}

	_, err := b.Entries(-1, 1, false)
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = b.Entries(0, -2, false)
	assert.ErrorIs(t, err, ErrInvalidCount)
}

func TestClearIsSoftAndIdempotent(t *testing.T) {
	b := New(4)
	addN(t, b, "a", "b", "c")

	require.NoError(t, b.Clear(2))
	require.NoError(t, b.Clear(2)) // idempotent
	assert.Equal(t, int64(2), b.EntriesInBuffer())

	entry, err := b.Entry(2)
	require.NoError(t, err)
	assert.Nil(t, entry, "cleared entry must not be returned")

	got, err := b.Entries(0, -1, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, lines(got))

	// Ids are never reused after a clear.
	assert.Equal(t, int64(4), b.NextID())
	assert.ErrorIs(t, b.Clear(0), ErrInvalidID)
}

func TestSetCapacityKeepsNewest(t *testing.T) {
	b := New(5)
	addN(t, b, "a", "b", "c", "d", "e")

	b.SetCapacity(2)
	assert.Equal(t, int64(2), b.Capacity())
	assert.Equal(t, int64(2), b.EntriesInBuffer())

	got, err := b.Entries(0, -1, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, lines(got))

	// Ids continue from where they left off after a resize.
	id := b.Add("f", pipeline.StateCompleted, time.Now(), time.Now(), false)
	assert.Equal(t, int64(6), id)
}

func TestCapacityFuncDrivesReallocation(t *testing.T) {
	capacity := int64(5)
	b := NewWithCapacityFunc(func() int64 { return capacity })
	addN(t, b, "a", "b", "c", "d")

	capacity = 2
	got, err := b.Entries(0, -1, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, lines(got))
	assert.Equal(t, int64(2), b.Capacity())

	// Out-of-range values are clamped, not rejected.
	capacity = 0
	assert.Equal(t, MinCapacity, b.Capacity())
	capacity = 1 << 40
	assert.Equal(t, MaxCapacity, b.Capacity())
}

func TestSkipIfLockedDoesNotBlock(t *testing.T) {
	b := New(3)
	id := b.Add("a", pipeline.StateRunning, time.Now(), time.Time{}, false)
	require.Positive(t, id)

	b.mu.Lock()
	assert.Equal(t, int64(-1), b.Add("b", pipeline.StateRunning, time.Now(), time.Time{}, true))
	assert.False(t, b.Update(id, pipeline.StateCompleted, time.Now(), true))
	b.mu.Unlock()

	// With the lock free both calls succeed.
	assert.Equal(t, int64(2), b.Add("b", pipeline.StateRunning, time.Now(), time.Time{}, true))
	assert.True(t, b.Update(id, pipeline.StateCompleted, time.Now(), true))
}

func TestEntriesMatching(t *testing.T) {
	b := New(10)
	addN(t, b, "Get-Date", "  Get-Process  ", "Set-Location /tmp", "get-help")

	pat, err := NewWildcard("Get-*")
	require.NoError(t, err)

	got, err := b.EntriesMatching(pat, 0, false)
	require.NoError(t, err)
	// Matching trims the command line and ignores case.
	assert.Equal(t, []string{"Get-Date", "  Get-Process  ", "get-help"}, lines(got))

	got, err = b.EntriesMatching(pat, 1, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"get-help"}, lines(got))

	_, err = b.EntriesMatching(nil, 0, false)
	assert.ErrorIs(t, err, ErrNilPattern)
	_, err = b.EntriesMatching(pat, -1, false)
	assert.ErrorIs(t, err, ErrInvalidCount)
}

func TestWildcardSyntax(t *testing.T) {
	tests := []struct {
		pattern string
		input   string
		want    bool
	}{
		{"*", "anything", true},
		{"Get-?ate", "Get-Date", true},
		{"Get-?ate", "Get-Duplicate", false},
		{"[gs]et-date", "Set-Date", true},
		{"[gs]et-date", "Let-Date", false},
		{"100`*", "100*", true},
		{"100`*", "100x", false},
	}
	for _, tc := range tests {
		pat, err := NewWildcard(tc.pattern)
		require.NoError(t, err, tc.pattern)
		assert.Equal(t, tc.want, pat.Match(tc.input), "%q vs %q", tc.pattern, tc.input)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")

	b := New(10)
	addN(t, b, "a", "b", "c")
	require.NoError(t, b.Clear(2))
	require.NoError(t, b.Save(path))

	loaded := New(10)
	require.NoError(t, loaded.Load(path))

	got, err := loaded.Entries(0, -1, false)
	require.NoError(t, err)
	// Cleared entries are not persisted.
	assert.Equal(t, []string{"a", "c"}, lines(got))

	// New ids continue above the highest persisted id.
	id := loaded.Add("d", pipeline.StateCompleted, time.Now(), time.Now(), false)
	assert.Equal(t, int64(4), id)
}

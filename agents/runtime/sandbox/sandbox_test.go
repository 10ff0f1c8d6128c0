package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrecheckRejectsOversizedModule(t *testing.T) {
	module := make([]byte, maxModuleBytes+1)
	copy(module, wasmMagic)
	err := precheck(module, Limits{MemoryBytes: 1 << 30})
	assert.Error(t, err)
}

func TestPrecheckRejectsBadMagic(t *testing.T) {
	module := []byte{0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}
	err := precheck(module, Limits{MemoryBytes: 1 << 30})
	assert.Error(t, err)
}

func TestPrecheckAcceptsMinimalValidModule(t *testing.T) {
	module := minimalModule(t, 0, false)
	err := precheck(module, Limits{MemoryBytes: 1 << 30})
	assert.NoError(t, err)
}

func TestPrecheckRejectsExcessiveDeclaredMemory(t *testing.T) {
	// Declares a memory section with max = 100 pages (6.25 MiB); configured
	// limit only allows 1 page (64 KiB).
	module := minimalModule(t, 100, true)
	err := precheck(module, Limits{MemoryBytes: wasmPageSize})
	assert.Error(t, err)
}

func TestDeclaredMemoryMaxPagesAbsentWhenNoMaximum(t *testing.T) {
	module := minimalModule(t, 0, false)
	_, ok := declaredMemoryMaxPages(module)
	assert.False(t, ok)
}

func TestDeclaredMemoryMaxPagesReadsDeclaredMaximum(t *testing.T) {
	module := minimalModule(t, 17, true)
	pages, ok := declaredMemoryMaxPages(module)
	require.True(t, ok)
	assert.Equal(t, uint32(17), pages)
}

func TestPrecheckRejectsExcessiveDeclaredTableElements(t *testing.T) {
	// Declares a table section with max = 500 elements; configured limit
	// only allows 10.
	module := minimalTableModule(t, 500, true)
	err := precheck(module, Limits{MemoryBytes: 1 << 30, TableElements: 10})
	assert.Error(t, err)
}

func TestPrecheckAcceptsTableWithinLimit(t *testing.T) {
	module := minimalTableModule(t, 5, true)
	err := precheck(module, Limits{MemoryBytes: 1 << 30, TableElements: 10})
	assert.NoError(t, err)
}

func TestPrecheckRejectsExcessiveDeclaredTableCount(t *testing.T) {
	module := minimalMultiTableModule(t)
	err := precheck(module, Limits{MemoryBytes: 1 << 30, MaxTables: 1})
	assert.Error(t, err)
}

func TestPrecheckIgnoresTableCountWhenLimitUnconfigured(t *testing.T) {
	module := minimalMultiTableModule(t)
	err := precheck(module, Limits{MemoryBytes: 1 << 30})
	assert.NoError(t, err) // zero limit means "not configured", not "zero allowed"
}

func TestDeclaredTableMaxElementsReadsDeclaredMaximum(t *testing.T) {
	module := minimalTableModule(t, 42, true)
	elems, ok := declaredTableMaxElements(module)
	require.True(t, ok)
	assert.Equal(t, uint32(42), elems)
}

func TestDeclaredTableCountReadsDeclaredCount(t *testing.T) {
	module := minimalTableModule(t, 42, true)
	count, ok := declaredTableCount(module)
	require.True(t, ok)
	assert.Equal(t, uint32(1), count)
}

func TestDeclaredMemoryCountReadsDeclaredCount(t *testing.T) {
	module := minimalModule(t, 17, true)
	count, ok := declaredMemoryCount(module)
	require.True(t, ok)
	assert.Equal(t, uint32(1), count)
}

func TestInstanceTrackerCapsConcurrentAcquisitions(t *testing.T) {
	tracker := newInstanceTracker()
	require.True(t, tracker.acquire("digest-a", 2))
	require.True(t, tracker.acquire("digest-a", 2))
	assert.False(t, tracker.acquire("digest-a", 2))

	tracker.release("digest-a")
	assert.True(t, tracker.acquire("digest-a", 2))
}

func TestInstanceTrackerZeroLimitMeansUnbounded(t *testing.T) {
	tracker := newInstanceTracker()
	for i := 0; i < 100; i++ {
		require.True(t, tracker.acquire("digest-b", 0))
	}
}

func TestInstanceTrackerTracksEachDigestIndependently(t *testing.T) {
	tracker := newInstanceTracker()
	require.True(t, tracker.acquire("digest-a", 1))
	assert.False(t, tracker.acquire("digest-a", 1))
	assert.True(t, tracker.acquire("digest-b", 1))
}

func TestResolvePreopensDropsEntriesOutsideAllowedRoots(t *testing.T) {
	allowed := t.TempDir()
	outside := t.TempDir()

	resolved := resolvePreopens(map[string]string{
		"/work": allowed,
		"/etc":  outside,
	}, []string{allowed})

	_, hasWork := resolved["/work"]
	_, hasEtc := resolved["/etc"]
	assert.True(t, hasWork)
	assert.False(t, hasEtc)
}

func TestResolvePreopensDropsUnresolvableHostPath(t *testing.T) {
	allowed := t.TempDir()
	resolved := resolvePreopens(map[string]string{
		"/missing": allowed + "/does-not-exist",
	}, []string{allowed})
	assert.Empty(t, resolved)
}

// minimalModule builds a syntactically valid WASM binary (magic + version +
// optionally a one-memory memory section) for exercising precheck and the
// section walker without depending on a real compiler toolchain.
func minimalModule(t *testing.T, maxPages uint32, hasMax bool) []byte {
	t.Helper()
	module := append([]byte{}, wasmMagic...)
	module = append(module, 0x01, 0x00, 0x00, 0x00) // version 1

	var body []byte
	body = append(body, encodeULEB128(1)...) // one memory
	if hasMax {
		body = append(body, 0x01) // limits flags: has max
		body = append(body, encodeULEB128(1)...)
		body = append(body, encodeULEB128(uint64(maxPages))...)
	} else {
		body = append(body, 0x00) // limits flags: no max
		body = append(body, encodeULEB128(1)...)
	}

	module = append(module, sectionIDMemory)
	module = append(module, encodeULEB128(uint64(len(body)))...)
	module = append(module, body...)
	return module
}

// minimalTableModule builds a syntactically valid WASM binary with a single
// funcref table declaration, for exercising the table-section walker.
func minimalTableModule(t *testing.T, maxElems uint32, hasMax bool) []byte {
	t.Helper()
	module := append([]byte{}, wasmMagic...)
	module = append(module, 0x01, 0x00, 0x00, 0x00) // version 1

	var body []byte
	body = append(body, encodeULEB128(1)...) // one table
	body = append(body, 0x70)                // elemtype: funcref
	if hasMax {
		body = append(body, 0x01) // limits flags: has max
		body = append(body, encodeULEB128(0)...)
		body = append(body, encodeULEB128(uint64(maxElems))...)
	} else {
		body = append(body, 0x00) // limits flags: no max
		body = append(body, encodeULEB128(0)...)
	}

	module = append(module, sectionIDTable)
	module = append(module, encodeULEB128(uint64(len(body)))...)
	module = append(module, body...)
	return module
}

// minimalMultiTableModule declares two funcref tables, for exercising the
// declared-table-count check independently of the per-table element cap.
func minimalMultiTableModule(t *testing.T) []byte {
	t.Helper()
	module := append([]byte{}, wasmMagic...)
	module = append(module, 0x01, 0x00, 0x00, 0x00) // version 1

	var body []byte
	body = append(body, encodeULEB128(2)...) // two tables
	for i := 0; i < 2; i++ {
		body = append(body, 0x70) // elemtype: funcref
		body = append(body, 0x00) // limits flags: no max
		body = append(body, encodeULEB128(0)...)
	}

	module = append(module, sectionIDTable)
	module = append(module, encodeULEB128(uint64(len(body)))...)
	module = append(module, body...)
	return module
}

func encodeULEB128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

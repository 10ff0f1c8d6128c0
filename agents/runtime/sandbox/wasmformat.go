package sandbox

// wasmPageSize is the WebAssembly linear memory page size in bytes (64 KiB),
// fixed by the WebAssembly specification.
const wasmPageSize = 65536

const (
	sectionIDTable  = 4
	sectionIDMemory = 5
)

// findSection does a minimal walk of the module's binary section headers,
// without fully decoding (and so without trusting) the module, and returns
// the raw body of the first section matching id.
func findSection(module []byte, id byte) ([]byte, bool) {
	if len(module) < 8 {
		return nil, false
	}
	pos := 8 // skip magic + version
	for pos < len(module) {
		sectionID := module[pos]
		pos++
		size, n, ok := readULEB128(module, pos)
		if !ok {
			return nil, false
		}
		pos += n
		sectionEnd := pos + int(size)
		if sectionEnd > len(module) {
			return nil, false
		}
		if sectionID == id {
			return module[pos:sectionEnd], true
		}
		pos = sectionEnd
	}
	return nil, false
}

// declaredMemoryMaxPages finds the memory section and reads the first
// memory's declared maximum. Returns ok=false if the module declares no
// maximum, so the caller falls back to its configured default rather than
// rejecting the module outright.
func declaredMemoryMaxPages(module []byte) (uint32, bool) {
	body, ok := findSection(module, sectionIDMemory)
	if !ok {
		return 0, false
	}
	_, maxPages, hasMax := parseLimitsSection(body, 0)
	return maxPages, hasMax
}

// declaredMemoryCount returns how many memories the module's memory section
// declares. Returns ok=false if the module has no memory section.
func declaredMemoryCount(module []byte) (uint32, bool) {
	body, ok := findSection(module, sectionIDMemory)
	if !ok {
		return 0, false
	}
	count, _, ok := readLimitsCount(body)
	return count, ok
}

// declaredTableCount returns how many tables the module's table section
// declares. Returns ok=false if the module has no table section.
func declaredTableCount(module []byte) (uint32, bool) {
	body, ok := findSection(module, sectionIDTable)
	if !ok {
		return 0, false
	}
	count, _, ok := readLimitsCount(body)
	return count, ok
}

// declaredTableMaxElements finds the table section and reads the first
// table's declared maximum element count. Returns ok=false if the module
// declares no maximum.
func declaredTableMaxElements(module []byte) (uint32, bool) {
	body, ok := findSection(module, sectionIDTable)
	if !ok {
		return 0, false
	}
	// Each table entry is prefixed by a one-byte reference type before its
	// limits, unlike a memory entry which is limits-only; skip it.
	_, maxElems, hasMax := parseLimitsSection(body, 1)
	return maxElems, hasMax
}

// readLimitsCount decodes the entry count prefixing a table or memory
// section and reports where the first entry's limits begin.
func readLimitsCount(body []byte) (count uint32, offset int, ok bool) {
	n64, n, ok := readULEB128(body, 0)
	if !ok || n64 == 0 {
		return 0, 0, false
	}
	return uint32(n64), n, true
}

// parseLimitsSection decodes the first entry of a table or memory section
// and returns its declared minimum (unused) and maximum, if present.
// entryHeaderBytes skips any fixed bytes preceding the limits encoding
// itself (a table's one-byte reference type; zero for a memory entry).
func parseLimitsSection(body []byte, entryHeaderBytes int) (min uint32, max uint32, hasMax bool) {
	count, pos, ok := readLimitsCount(body)
	if !ok || count == 0 {
		return 0, 0, false
	}
	pos += entryHeaderBytes
	if pos >= len(body) {
		return 0, 0, false
	}
	limitFlags := body[pos]
	pos++
	minVal, n, ok := readULEB128(body, pos)
	if !ok {
		return 0, 0, false
	}
	pos += n
	if limitFlags&0x01 == 0 {
		return uint32(minVal), 0, false
	}
	maxVal, _, ok := readULEB128(body, pos)
	if !ok {
		return uint32(minVal), 0, false
	}
	return uint32(minVal), uint32(maxVal), true
}

// readULEB128 decodes an unsigned LEB128 integer starting at pos, returning
// the value, the number of bytes consumed, and whether decoding succeeded.
func readULEB128(data []byte, pos int) (uint64, int, bool) {
	var result uint64
	var shift uint
	n := 0
	for {
		if pos+n >= len(data) {
			return 0, 0, false
		}
		b := data[pos+n]
		result |= uint64(b&0x7f) << shift
		n++
		if b&0x80 == 0 {
			return result, n, true
		}
		shift += 7
		if shift >= 64 {
			return 0, 0, false
		}
	}
}

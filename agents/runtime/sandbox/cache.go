package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/tetratelabs/wazero"
)

// moduleCache is a process-wide map from module digest to compiled module,
// guarded by a reader-writer lock: the common path (cache hit) only takes
// the read lock, and compilation happens on miss.
type moduleCache struct {
	mu      sync.RWMutex
	entries map[string]wazero.CompiledModule
}

func newModuleCache() *moduleCache {
	return &moduleCache{entries: make(map[string]wazero.CompiledModule)}
}

func digest(module []byte) string {
	sum := sha256.Sum256(module)
	return hex.EncodeToString(sum[:])
}

func (c *moduleCache) get(ctx context.Context, rt wazero.Runtime, module []byte) (wazero.CompiledModule, error) {
	key := digest(module)

	c.mu.RLock()
	if compiled, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return compiled, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if compiled, ok := c.entries[key]; ok {
		return compiled, nil
	}
	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		return nil, err
	}
	c.entries[key] = compiled
	return compiled, nil
}

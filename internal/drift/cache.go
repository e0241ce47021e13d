package drift

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultHistoryDepth bounds the number of values retained per slot. The
// window doubles as the sample used for volatility estimation.
const DefaultHistoryDepth = 100

type cacheKey struct {
	contract common.Address
	slot     SlotKey
}

// SlotValueCache keeps a bounded, append-only history of observed values per
// (contract, slot). Safe for concurrent readers and writers; every mutation
// is atomic with respect to the whole per-key history.
type SlotValueCache struct {
	mu      sync.RWMutex
	values  map[cacheKey][]common.Hash
	depth   int
}

// NewSlotValueCache creates a cache retaining depth values per slot.
// A depth of zero or less falls back to DefaultHistoryDepth.
func NewSlotValueCache(depth int) *SlotValueCache {
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}
	return &SlotValueCache{
		values: make(map[cacheKey][]common.Hash),
		depth:  depth,
	}
}

// Store appends value to the history for (contract, slot), dropping the
// oldest entries beyond the retention depth.
func (c *SlotValueCache) Store(contract common.Address, slot SlotKey, value common.Hash) {
	key := cacheKey{contract: contract, slot: slot}

	c.mu.Lock()
	defer c.mu.Unlock()

	history := append(c.values[key], value)
	if len(history) > c.depth {
		history = history[len(history)-c.depth:]
	}
	c.values[key] = history
}

// History returns the retained values for (contract, slot), oldest first.
// The returned slice is a copy and safe to hold across cache mutations.
func (c *SlotValueCache) History(contract common.Address, slot SlotKey) []common.Hash {
	key := cacheKey{contract: contract, slot: slot}

	c.mu.RLock()
	defer c.mu.RUnlock()

	history := c.values[key]
	if len(history) == 0 {
		return nil
	}
	out := make([]common.Hash, len(history))
	copy(out, history)
	return out
}

// Latest returns the most recently stored value for (contract, slot), or
// false if the slot has never been observed.
func (c *SlotValueCache) Latest(contract common.Address, slot SlotKey) (common.Hash, bool) {
	key := cacheKey{contract: contract, slot: slot}

	c.mu.RLock()
	defer c.mu.RUnlock()

	history := c.values[key]
	if len(history) == 0 {
		return common.Hash{}, false
	}
	return history[len(history)-1], true
}

// Len reports the number of distinct (contract, slot) keys tracked.
func (c *SlotValueCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

package drift

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// LayoutRegistry maps contracts to their storage layouts. Contracts without
// a registered layout get a synthesized default so analysis is always
// best-effort rather than failing.
type LayoutRegistry struct {
	mu      sync.RWMutex
	layouts map[common.Address]*StorageLayout
}

// NewLayoutRegistry creates an empty registry.
func NewLayoutRegistry() *LayoutRegistry {
	return &LayoutRegistry{
		layouts: make(map[common.Address]*StorageLayout),
	}
}

// Register installs a layout for contract, replacing any previous one.
func (r *LayoutRegistry) Register(contract common.Address, layout *StorageLayout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layouts[contract] = layout
}

// LayoutFor returns the layout registered for contract, synthesizing and
// caching the default layout when none exists. Never fails.
func (r *LayoutRegistry) LayoutFor(contract common.Address) *StorageLayout {
	r.mu.RLock()
	layout, ok := r.layouts[contract]
	r.mu.RUnlock()
	if ok {
		return layout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if layout, ok := r.layouts[contract]; ok {
		return layout
	}
	layout = defaultLayout()
	r.layouts[contract] = layout
	return layout
}

// Registered reports how many contracts currently have a layout, including
// synthesized ones.
func (r *LayoutRegistry) Registered() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.layouts)
}

// defaultLayout follows ERC-20 and constant-product pair conventions:
// slot 0 holds ownership, slot 1 roots the balance mapping, slots 8 and 9
// hold the pair reserves.
func defaultLayout() *StorageLayout {
	return &StorageLayout{
		Kind: KindUnknown,
		Slots: map[uint64]SlotInfo{
			0: {
				Slot:              0,
				Semantic:          SemanticOwnership,
				Criticality:       CriticalCritical,
				TypicalChangeRate: 0.001,
			},
			8: {
				Slot:              8,
				Semantic:          SemanticReserve,
				Criticality:       CriticalHigh,
				TypicalChangeRate: 0.8,
			},
			9: {
				Slot:              9,
				Semantic:          SemanticReserve,
				Criticality:       CriticalHigh,
				TypicalChangeRate: 0.8,
			},
		},
		Mappings: map[uint64]MappingInfo{
			1: {
				BaseSlot:  1,
				KeyType:   "address",
				ValueType: "uint256",
			},
		},
	}
}

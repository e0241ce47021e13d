// Package drift reconstructs the evolution of contract storage slots from
// transaction logs and flags slots whose values deviate from their
// historical behavior.
package drift

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SlotKeyKind discriminates the ways a storage location can be identified.
type SlotKeyKind uint8

const (
	// SlotKindRaw addresses a slot by its raw 32-byte hash.
	SlotKindRaw SlotKeyKind = iota
	// SlotKindBalance addresses a balance-mapping entry keyed by holder.
	SlotKindBalance
	// SlotKindReserve addresses one of the named pool reserve slots.
	SlotKindReserve
)

// SlotKey identifies a storage location inside a contract. Keys built
// through different constructors compare equal when they name the same
// location; the struct is comparable and safe to use as a map key.
type SlotKey struct {
	Kind   SlotKeyKind
	Slot   common.Hash    // set for SlotKindRaw
	Holder common.Address // set for SlotKindBalance
	Index  uint8          // set for SlotKindReserve
}

// RawSlotKey returns a key for a raw storage slot hash.
func RawSlotKey(slot common.Hash) SlotKey {
	return SlotKey{Kind: SlotKindRaw, Slot: slot}
}

// BalanceSlotKey returns a key for a balance-mapping entry.
func BalanceSlotKey(holder common.Address) SlotKey {
	return SlotKey{Kind: SlotKindBalance, Holder: holder}
}

// ReserveSlotKey returns a key for reserve slot index (0 or 1 for
// constant-product pairs).
func ReserveSlotKey(index uint8) SlotKey {
	return SlotKey{Kind: SlotKindReserve, Index: index}
}

func (k SlotKey) String() string {
	switch k.Kind {
	case SlotKindBalance:
		return fmt.Sprintf("balance[%s]", k.Holder.Hex())
	case SlotKindReserve:
		return fmt.Sprintf("reserve%d", k.Index)
	default:
		return fmt.Sprintf("slot[%s]", k.Slot.Hex())
	}
}

// ChangeType tags how a storage delta came about.
type ChangeType string

const (
	ChangeDirectWrite     ChangeType = "direct_write"
	ChangeMappingUpdate   ChangeType = "mapping_update"
	ChangeArrayMutation   ChangeType = "array_mutation"
	ChangeStructUpdate    ChangeType = "struct_update"
	ChangeFlashLoan       ChangeType = "flash_loan"
	ChangeArbitrage       ChangeType = "arbitrage"
	ChangeReentrancyGuard ChangeType = "reentrancy_guard"
)

// StorageDelta is one observed or inferred slot change. Immutable once
// created by the extractor.
type StorageDelta struct {
	Contract    common.Address
	SlotKey     SlotKey
	OldValue    common.Hash
	NewValue    common.Hash
	ChangeType  ChangeType
	ImpactScore float64 // [0,1]
	Confidence  float64 // [0,1]
	BlockNumber uint64
}

// SlotDriftEvent is emitted when a slot's aggregate drift score crosses the
// anomaly threshold. PredictedBlock is CurrentBlock plus the configured
// horizon.
type SlotDriftEvent struct {
	ID             string         `json:"id"`
	Contract       common.Address `json:"contract"`
	SlotKey        string         `json:"slot_key"`
	CurrentValue   common.Hash    `json:"current_value"`
	PredictedValue common.Hash    `json:"predicted_value"`
	CurrentBlock   uint64         `json:"current_block"`
	PredictedBlock uint64         `json:"predicted_block"`
	Timestamp      time.Time      `json:"timestamp"`
	Confidence     float64        `json:"confidence"`
}

// SlotSemantic describes what a slot means to the contract.
type SlotSemantic string

const (
	SemanticBalance    SlotSemantic = "balance"
	SemanticReserve    SlotSemantic = "reserve"
	SemanticPrice      SlotSemantic = "price"
	SemanticFee        SlotSemantic = "fee"
	SemanticAllowance  SlotSemantic = "allowance"
	SemanticOwnership  SlotSemantic = "ownership"
	SemanticGovernance SlotSemantic = "governance"
	SemanticUnknown    SlotSemantic = "unknown"
)

// CriticalLevel orders how much a slot matters. Higher is more critical.
type CriticalLevel int

const (
	CriticalLow CriticalLevel = iota + 1
	CriticalMedium
	CriticalHigh
	CriticalCritical
	CriticalEmergency
)

// SlotInfo is the per-slot metadata recorded in a layout.
type SlotInfo struct {
	Slot              uint64
	Semantic          SlotSemantic
	Criticality       CriticalLevel
	TypicalChangeRate float64 // expected changes per block
}

// MappingInfo describes a known mapping rooted at a base slot.
type MappingInfo struct {
	BaseSlot  uint64
	KeyType   string
	ValueType string
	HotKeys   []common.Hash
}

// ContractKind is a coarse classification used when synthesizing layouts.
type ContractKind string

const (
	KindPair    ContractKind = "constant_product_pair"
	KindERC20   ContractKind = "erc20"
	KindLending ContractKind = "lending_pool"
	KindUnknown ContractKind = "unknown"
)

// StorageLayout describes the storage of one contract.
type StorageLayout struct {
	Slots    map[uint64]SlotInfo
	Mappings map[uint64]MappingInfo
	Kind     ContractKind
}

// ReserveSlot reports whether the layout marks the given reserve index as a
// reserve slot.
func (l *StorageLayout) ReserveSlot(index uint8) bool {
	info, ok := l.Slots[reserveSlotNumber(index)]
	return ok && info.Semantic == SemanticReserve
}

// Storage slot conventions for constant-product pairs: reserve0 and
// reserve1 live in slots 8 and 9.
func reserveSlotNumber(index uint8) uint64 {
	return uint64(8 + index)
}

// TxReceipt pairs a transaction receipt with the contract the transaction
// targeted. go-ethereum receipts do not carry the target address, so the
// scanner attaches it from the originating transaction.
type TxReceipt struct {
	TxHash  common.Hash
	To      *common.Address
	Status  uint64
	GasUsed uint64
	Logs    []*types.Log
}

package drift

import (
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Event signatures the extractor understands. Anything else is classified
// as unknown and produces no deltas; there is no generic ABI-free decoding.
var (
	sigTransfer = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	sigSwap     = crypto.Keccak256Hash([]byte("Swap(address,uint256,uint256,uint256,uint256,address)"))
	sigSync     = crypto.Keccak256Hash([]byte("Sync(uint112,uint112)"))
)

// Decoder confidences. Sync carries authoritative reserve state and gets
// the highest confidence of any decoder.
const (
	transferConfidence = 0.95
	swapConfidence     = 0.98
	syncConfidence     = 0.99
)

type eventKind int

const (
	eventUnknown eventKind = iota
	eventTransfer
	eventSwap
	eventSync
)

func classifyEvent(sig common.Hash) eventKind {
	switch sig {
	case sigTransfer:
		return eventTransfer
	case sigSwap:
		return eventSwap
	case sigSync:
		return eventSync
	default:
		return eventUnknown
	}
}

// DeltaExtractor converts a transaction receipt's event logs into inferred
// storage changes, using the layout registry and the slot cache's last known
// values to compute before/after deltas.
type DeltaExtractor struct {
	cache   *SlotValueCache
	layouts *LayoutRegistry
	logger  *slog.Logger
}

// NewDeltaExtractor creates an extractor over the given cache and registry.
func NewDeltaExtractor(cache *SlotValueCache, layouts *LayoutRegistry, logger *slog.Logger) *DeltaExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeltaExtractor{
		cache:   cache,
		layouts: layouts,
		logger:  logger.With("component", "delta-extractor"),
	}
}

// ExtractReceipt returns the storage deltas inferred from one receipt's
// logs. Receipts without a target contract (contract creations) and
// malformed log payloads yield no deltas; neither is an error.
func (e *DeltaExtractor) ExtractReceipt(receipt *TxReceipt, blockNumber uint64) []StorageDelta {
	if receipt == nil || receipt.To == nil {
		return nil
	}
	contract := *receipt.To
	layout := e.layouts.LayoutFor(contract)

	var deltas []StorageDelta
	for _, log := range receipt.Logs {
		if len(log.Topics) == 0 {
			continue
		}
		switch classifyEvent(log.Topics[0]) {
		case eventTransfer:
			deltas = append(deltas, e.decodeTransfer(log, contract, blockNumber)...)
		case eventSwap:
			deltas = append(deltas, e.decodeSwap(log, layout, contract, blockNumber)...)
		case eventSync:
			deltas = append(deltas, e.decodeSync(log, layout, contract, blockNumber)...)
		case eventUnknown:
			// Closed decoder set: unknown events are deliberately
			// side-effect free.
		}
	}
	return deltas
}

// decodeTransfer infers balance-mapping updates from an ERC-20 Transfer.
// A delta is only emitted for parties whose balance is already cached: the
// extractor never guesses an absolute balance from a relative change.
func (e *DeltaExtractor) decodeTransfer(log *types.Log, contract common.Address, blockNumber uint64) []StorageDelta {
	if len(log.Topics) < 3 || len(log.Data) < 32 {
		e.logger.Debug("malformed transfer payload",
			"tx", log.TxHash.Hex(),
			"topics", len(log.Topics),
			"data_len", len(log.Data),
		)
		return nil
	}

	from := common.BytesToAddress(log.Topics[1].Bytes())
	to := common.BytesToAddress(log.Topics[2].Bytes())
	amount := new(uint256.Int).SetBytes(log.Data[:32])

	var deltas []StorageDelta
	zero := common.Address{}

	if from != zero {
		if old, ok := e.cache.Latest(contract, BalanceSlotKey(from)); ok {
			oldBal := hashToUint(old)
			newBal := saturatingSub(oldBal, amount)
			deltas = append(deltas, StorageDelta{
				Contract:    contract,
				SlotKey:     BalanceSlotKey(from),
				OldValue:    old,
				NewValue:    newBal.Bytes32(),
				ChangeType:  ChangeMappingUpdate,
				ImpactScore: balanceImpact(amount, oldBal),
				Confidence:  transferConfidence,
				BlockNumber: blockNumber,
			})
		}
	}

	if to != zero {
		if old, ok := e.cache.Latest(contract, BalanceSlotKey(to)); ok {
			oldBal := hashToUint(old)
			newBal := saturatingAdd(oldBal, amount)
			deltas = append(deltas, StorageDelta{
				Contract:    contract,
				SlotKey:     BalanceSlotKey(to),
				OldValue:    old,
				NewValue:    newBal.Bytes32(),
				ChangeType:  ChangeMappingUpdate,
				ImpactScore: balanceImpact(amount, oldBal),
				Confidence:  transferConfidence,
				BlockNumber: blockNumber,
			})
		}
	}

	return deltas
}

// decodeSwap applies a constant-product Swap's in/out amounts to the
// cached reserves. Like transfers, swaps need a cached prior reserve to
// diff against.
func (e *DeltaExtractor) decodeSwap(log *types.Log, layout *StorageLayout, contract common.Address, blockNumber uint64) []StorageDelta {
	if len(log.Data) < 128 {
		e.logger.Debug("malformed swap payload", "tx", log.TxHash.Hex(), "data_len", len(log.Data))
		return nil
	}

	amountIn := [2]*uint256.Int{
		new(uint256.Int).SetBytes(log.Data[0:32]),
		new(uint256.Int).SetBytes(log.Data[32:64]),
	}
	amountOut := [2]*uint256.Int{
		new(uint256.Int).SetBytes(log.Data[64:96]),
		new(uint256.Int).SetBytes(log.Data[96:128]),
	}

	var deltas []StorageDelta
	for i := uint8(0); i < 2; i++ {
		if !layout.ReserveSlot(i) {
			continue
		}
		old, ok := e.cache.Latest(contract, ReserveSlotKey(i))
		if !ok {
			continue
		}
		oldReserve := hashToUint(old)
		newReserve := saturatingSub(saturatingAdd(oldReserve, amountIn[i]), amountOut[i])
		deltas = append(deltas, StorageDelta{
			Contract:    contract,
			SlotKey:     ReserveSlotKey(i),
			OldValue:    old,
			NewValue:    newReserve.Bytes32(),
			ChangeType:  ChangeDirectWrite,
			ImpactScore: reserveImpact(oldReserve, newReserve),
			Confidence:  swapConfidence,
			BlockNumber: blockNumber,
		})
	}
	return deltas
}

// decodeSync overwrites both reserve slots with the authoritative values
// the event carries. Replaying a Sync that matches the cached reserves is
// a no-op.
func (e *DeltaExtractor) decodeSync(log *types.Log, layout *StorageLayout, contract common.Address, blockNumber uint64) []StorageDelta {
	if len(log.Data) < 64 {
		e.logger.Debug("malformed sync payload", "tx", log.TxHash.Hex(), "data_len", len(log.Data))
		return nil
	}

	reserves := [2]*uint256.Int{
		new(uint256.Int).SetBytes(log.Data[0:32]),
		new(uint256.Int).SetBytes(log.Data[32:64]),
	}

	var deltas []StorageDelta
	for i := uint8(0); i < 2; i++ {
		if !layout.ReserveSlot(i) {
			continue
		}
		newValue := common.Hash(reserves[i].Bytes32())
		old, _ := e.cache.Latest(contract, ReserveSlotKey(i))
		if old == newValue {
			continue
		}
		deltas = append(deltas, StorageDelta{
			Contract:    contract,
			SlotKey:     ReserveSlotKey(i),
			OldValue:    old,
			NewValue:    newValue,
			ChangeType:  ChangeDirectWrite,
			ImpactScore: reserveImpact(hashToUint(old), reserves[i]),
			Confidence:  syncConfidence,
			BlockNumber: blockNumber,
		})
	}
	return deltas
}

// balanceImpact scores a transfer against the prior balance, capped at 1.
// Any nonzero change to an empty balance is maximally significant.
func balanceImpact(amount, oldBalance *uint256.Int) float64 {
	if oldBalance.IsZero() {
		return 1.0
	}
	ratio := uintToFloat(amount) / uintToFloat(oldBalance)
	if ratio > 1.0 {
		return 1.0
	}
	return ratio
}

// reserveImpact scores a reserve move at twice the sensitivity of a balance
// move, since reserves directly move price.
func reserveImpact(oldReserve, newReserve *uint256.Int) float64 {
	if oldReserve.IsZero() {
		return 1.0
	}
	var diff uint256.Int
	if newReserve.Cmp(oldReserve) >= 0 {
		diff.Sub(newReserve, oldReserve)
	} else {
		diff.Sub(oldReserve, newReserve)
	}
	ratio := uintToFloat(&diff) / uintToFloat(oldReserve) * 2.0
	if ratio > 1.0 {
		return 1.0
	}
	return ratio
}

func saturatingSub(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) < 0 {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Sub(a, b)
}

func saturatingAdd(a, b *uint256.Int) *uint256.Int {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return sum
}

func hashToUint(h common.Hash) *uint256.Int {
	return new(uint256.Int).SetBytes(h[:])
}

func uintToFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

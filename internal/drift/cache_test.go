package drift

import (
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func hashOf(v uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(v))
}

func TestSlotValueCache_StoreAndLatest(t *testing.T) {
	cache := NewSlotValueCache(100)
	contract := common.HexToAddress("0x01")
	key := ReserveSlotKey(0)

	if _, ok := cache.Latest(contract, key); ok {
		t.Fatal("expected no value before first store")
	}

	cache.Store(contract, key, hashOf(900))
	cache.Store(contract, key, hashOf(1000))

	latest, ok := cache.Latest(contract, key)
	if !ok {
		t.Fatal("expected a latest value")
	}
	if latest != hashOf(1000) {
		t.Errorf("latest = %s, want %s", latest.Hex(), hashOf(1000).Hex())
	}

	history := cache.History(contract, key)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0] != hashOf(900) || history[1] != hashOf(1000) {
		t.Error("history not in insertion order")
	}
}

func TestSlotValueCache_BoundedHistory(t *testing.T) {
	cache := NewSlotValueCache(100)
	contract := common.HexToAddress("0x02")
	key := BalanceSlotKey(common.HexToAddress("0xaa"))

	for i := uint64(0); i < 250; i++ {
		cache.Store(contract, key, hashOf(i))
	}

	history := cache.History(contract, key)
	if len(history) != 100 {
		t.Fatalf("history length = %d, want 100", len(history))
	}
	// Most recent 100 insertions, oldest first.
	if history[0] != hashOf(150) {
		t.Errorf("oldest retained = %s, want %s", history[0].Hex(), hashOf(150).Hex())
	}
	if history[99] != hashOf(249) {
		t.Errorf("newest retained = %s, want %s", history[99].Hex(), hashOf(249).Hex())
	}
}

func TestSlotValueCache_KeyEquality(t *testing.T) {
	cache := NewSlotValueCache(10)
	contract := common.HexToAddress("0x03")
	holder := common.HexToAddress("0xbb")

	cache.Store(contract, BalanceSlotKey(holder), hashOf(42))

	// A key built independently for the same holder must read the same
	// history.
	if _, ok := cache.Latest(contract, BalanceSlotKey(holder)); !ok {
		t.Error("semantically identical keys must be equal")
	}
	if _, ok := cache.Latest(contract, ReserveSlotKey(0)); ok {
		t.Error("distinct keys must not alias")
	}
}

func TestSlotValueCache_ConcurrentAccess(t *testing.T) {
	cache := NewSlotValueCache(100)
	contract := common.HexToAddress("0x04")
	key := RawSlotKey(common.HexToHash("0x05"))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				cache.Store(contract, key, common.HexToHash(fmt.Sprintf("0x%x", w*1000+i)))
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				history := cache.History(contract, key)
				if len(history) > 100 {
					t.Errorf("history exceeded bound: %d", len(history))
					return
				}
			}
		}()
	}
	wg.Wait()
}

package drift

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestLayoutRegistry_SynthesizesDefault(t *testing.T) {
	reg := NewLayoutRegistry()
	contract := common.HexToAddress("0x1234")

	layout := reg.LayoutFor(contract)
	if layout == nil {
		t.Fatal("LayoutFor must never return nil")
	}

	if info, ok := layout.Slots[0]; !ok || info.Semantic != SemanticOwnership || info.Criticality != CriticalCritical {
		t.Errorf("slot 0 = %+v, want critical ownership slot", info)
	}
	for _, slot := range []uint64{8, 9} {
		if info, ok := layout.Slots[slot]; !ok || info.Semantic != SemanticReserve {
			t.Errorf("slot %d = %+v, want reserve slot", slot, info)
		}
	}
	if m, ok := layout.Mappings[1]; !ok || m.KeyType != "address" || m.ValueType != "uint256" {
		t.Errorf("mapping 1 = %+v, want address->uint256 balance mapping", m)
	}

	if !layout.ReserveSlot(0) || !layout.ReserveSlot(1) {
		t.Error("default layout must expose both pair reserves")
	}
	if layout.ReserveSlot(2) {
		t.Error("reserve index 2 should not exist in the default layout")
	}
}

func TestLayoutRegistry_SynthesizedLayoutIsCached(t *testing.T) {
	reg := NewLayoutRegistry()
	contract := common.HexToAddress("0x1234")

	first := reg.LayoutFor(contract)
	second := reg.LayoutFor(contract)
	if first != second {
		t.Error("synthesized layout must be cached, not rebuilt per call")
	}
	if reg.Registered() != 1 {
		t.Errorf("registered = %d, want 1", reg.Registered())
	}
}

func TestLayoutRegistry_RegisterOverrides(t *testing.T) {
	reg := NewLayoutRegistry()
	contract := common.HexToAddress("0x1234")

	custom := &StorageLayout{
		Kind:  KindERC20,
		Slots: map[uint64]SlotInfo{5: {Slot: 5, Semantic: SemanticFee, Criticality: CriticalMedium}},
	}
	reg.Register(contract, custom)

	got := reg.LayoutFor(contract)
	if got != custom {
		t.Fatal("registered layout must take precedence over the default")
	}
	if got.ReserveSlot(0) {
		t.Error("custom layout without reserves must not report reserve slots")
	}
}

package drift

import (
	"context"
	"log/slog"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// predictionWindow is the number of trailing observations the linear
// extrapolation looks at.
const predictionWindow = 10

// DetectorConfig holds the tunables of the drift scorer. The weights and
// thresholds are heuristic defaults, not validated constants; they are kept
// configurable so tuning does not need a rebuild.
type DetectorConfig struct {
	// AnomalyThreshold is the drift score above which an event is emitted.
	AnomalyThreshold float64
	// PredictionHorizon is how many blocks ahead the predicted value is for.
	PredictionHorizon uint64
	// PredictionDamping scales the extrapolated trend.
	PredictionDamping float64
	// EventRetentionBlocks bounds how long drift events are kept.
	EventRetentionBlocks uint64
	// BurstWeight, ImpactWeight and VolatilityWeight are the score terms.
	BurstWeight      float64
	ImpactWeight     float64
	VolatilityWeight float64
}

// DefaultDetectorConfig returns the stock scoring parameters.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		AnomalyThreshold:     0.7,
		PredictionHorizon:    10,
		PredictionDamping:    0.1,
		EventRetentionBlocks: 1000,
		BurstWeight:          0.3,
		ImpactWeight:         0.4,
		VolatilityWeight:     0.3,
	}
}

// Stats is the aggregate detector state polled on demand.
type Stats struct {
	TotalDriftEvents  uint64  `json:"total_drift_events"`
	BlocksAnalyzed    uint64  `json:"blocks_analyzed"`
	AverageConfidence float64 `json:"average_confidence"`
	ActiveContracts   int     `json:"active_contracts"`
}

// Detector consumes block receipts, maintains the slot value cache and
// flags slots whose values drift from their historical behavior. The cache
// and event history are owned by the detector and exposed only through
// query methods.
type Detector struct {
	cfg       DetectorConfig
	logger    *slog.Logger
	cache     *SlotValueCache
	extractor *DeltaExtractor

	mu            sync.RWMutex
	history       map[uint64][]SlotDriftEvent
	totalEvents   uint64
	blocks        uint64
	confidenceSum float64
	contracts     map[common.Address]struct{}
}

// NewDetector creates a detector over an explicitly constructed cache and
// layout registry. Nothing here is process-global; the caller owns the
// lifecycle of all three.
func NewDetector(cfg DetectorConfig, cache *SlotValueCache, layouts *LayoutRegistry, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "drift-detector")
	return &Detector{
		cfg:       cfg,
		logger:    logger,
		cache:     cache,
		extractor: NewDeltaExtractor(cache, layouts, logger),
		history:   make(map[uint64][]SlotDriftEvent),
		contracts: make(map[common.Address]struct{}),
	}
}

type groupKey struct {
	contract common.Address
	slot     SlotKey
}

// AnalyzeBlock runs the full pipeline for one block: extract deltas from
// every receipt, flush all new values into the cache, score each touched
// (contract, slot) and emit drift events over the anomaly threshold.
// Deltas for the block land in the cache as a unit before any scoring, so
// detection for block N always sees the complete effect of block N.
func (d *Detector) AnalyzeBlock(ctx context.Context, blockNumber uint64, receipts []*TxReceipt) ([]SlotDriftEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var deltas []StorageDelta
	for _, receipt := range receipts {
		deltas = append(deltas, d.extractor.ExtractReceipt(receipt, blockNumber)...)
	}

	d.logger.Debug("extracted storage deltas",
		"block", blockNumber,
		"receipts", len(receipts),
		"deltas", len(deltas),
	)

	for _, delta := range deltas {
		d.cache.Store(delta.Contract, delta.SlotKey, delta.NewValue)
	}

	groups := make(map[groupKey][]StorageDelta)
	for _, delta := range deltas {
		key := groupKey{contract: delta.Contract, slot: delta.SlotKey}
		groups[key] = append(groups[key], delta)
	}

	var events []SlotDriftEvent
	now := time.Now().UTC()
	for key, group := range groups {
		history := d.cache.History(key.contract, key.slot)
		score := d.driftScore(group, history)
		if score <= d.cfg.AnomalyThreshold {
			continue
		}

		current := history[len(history)-1]
		events = append(events, SlotDriftEvent{
			ID:             uuid.NewString(),
			Contract:       key.contract,
			SlotKey:        key.slot.String(),
			CurrentValue:   current,
			PredictedValue: d.predictValue(history),
			CurrentBlock:   blockNumber,
			PredictedBlock: blockNumber + d.cfg.PredictionHorizon,
			Timestamp:      now,
			Confidence:     score,
		})
	}

	d.storeEvents(blockNumber, events)

	if len(events) > 0 {
		d.logger.Info("drift events detected",
			"block", blockNumber,
			"events", len(events),
		)
	}
	return events, nil
}

// driftScore combines a burst indicator, the mean impact and the key's
// historical volatility into a [0,1] score.
func (d *Detector) driftScore(group []StorageDelta, history []common.Hash) float64 {
	var score float64
	if len(group) > 3 {
		score += d.cfg.BurstWeight
	}

	var impactSum float64
	for _, delta := range group {
		impactSum += delta.ImpactScore
	}
	score += d.cfg.ImpactWeight * (impactSum / float64(len(group)))

	score += d.cfg.VolatilityWeight * volatility(history)

	return clamp01(score)
}

// volatility is the coefficient of variation of the retained history,
// capped at 1.0 to avoid blow-up. Short histories contribute nothing: with
// fewer than ten observations there is no baseline to deviate from.
func volatility(history []common.Hash) float64 {
	if len(history) <= 10 {
		return 0
	}

	values := make([]float64, len(history))
	var mean float64
	for i, h := range history {
		values[i] = uintToFloat(hashToUint(h))
		mean += values[i]
	}
	mean /= float64(len(values))
	if mean == 0 {
		return 0
	}

	var variance float64
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values))

	cv := math.Sqrt(variance) / mean
	if cv > 1.0 {
		return 1.0
	}
	return cv
}

// predictValue extrapolates the trend across the last predictionWindow
// observations, damped by the configured factor and clamped to the uint256
// range. With a single observation the prediction is naive: the latest
// value carried forward.
func (d *Detector) predictValue(history []common.Hash) common.Hash {
	if len(history) == 0 {
		return common.Hash{}
	}
	window := history
	if len(window) > predictionWindow {
		window = window[len(window)-predictionWindow:]
	}

	latest := new(big.Int).SetBytes(window[len(window)-1].Bytes())
	oldest := new(big.Int).SetBytes(window[0].Bytes())

	trend := new(big.Float).SetInt(new(big.Int).Sub(latest, oldest))
	step, _ := trend.Mul(trend, big.NewFloat(d.cfg.PredictionDamping)).Int(nil)

	predicted := new(big.Int).Add(latest, step)
	if predicted.Sign() < 0 {
		predicted.SetInt64(0)
	}
	if predicted.BitLen() > 256 {
		predicted.SetBytes(maxUint256Bytes)
	}

	return common.BytesToHash(predicted.Bytes())
}

var maxUint256Bytes = func() []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = 0xff
	}
	return b
}()

// storeEvents persists a block's events and prunes entries that have aged
// out of the retention window.
func (d *Detector) storeEvents(blockNumber uint64, events []SlotDriftEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.blocks++
	if len(events) > 0 {
		d.history[blockNumber] = events
		d.totalEvents += uint64(len(events))
		for _, ev := range events {
			d.confidenceSum += ev.Confidence
			d.contracts[ev.Contract] = struct{}{}
		}
	}

	if blockNumber > d.cfg.EventRetentionBlocks {
		cutoff := blockNumber - d.cfg.EventRetentionBlocks
		for block := range d.history {
			if block < cutoff {
				delete(d.history, block)
			}
		}
	}
}

// EventsInRange returns the retained drift events with from <= current
// block <= to, ordered by block number.
func (d *Detector) EventsInRange(from, to uint64) []SlotDriftEvent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var blocks []uint64
	for block := range d.history {
		if block >= from && block <= to {
			blocks = append(blocks, block)
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

	var out []SlotDriftEvent
	for _, block := range blocks {
		out = append(out, d.history[block]...)
	}
	return out
}

// Stats returns aggregate counters for the query surface.
func (d *Detector) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := Stats{
		TotalDriftEvents: d.totalEvents,
		BlocksAnalyzed:   d.blocks,
		ActiveContracts:  len(d.contracts),
	}
	if d.totalEvents > 0 {
		stats.AverageConfidence = d.confidenceSum / float64(d.totalEvents)
	}
	return stats
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

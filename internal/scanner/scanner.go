package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/marko911/driftwatch/internal/drift"
)

// maxConsecutiveErrors is the per-connection error budget on the push path
// before failing over to HTTP polling.
const maxConsecutiveErrors = 3

// reconnectDelay backs the loop off after a poll-path failure.
const reconnectDelay = 1 * time.Second

// EventSink receives drift events as they are detected.
type EventSink interface {
	Publish(ctx context.Context, event drift.SlotDriftEvent) error
}

// Stats is the scanner's aggregate state, polled on demand.
type Stats struct {
	LastBlock         uint64    `json:"last_block"`
	BlocksScanned     uint64    `json:"blocks_scanned"`
	BlocksFailed      uint64    `json:"blocks_failed"`
	WSConnected       bool      `json:"ws_connected"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	BreakerErrors     int       `json:"breaker_errors"`
	LastProcessedAt   time.Time `json:"last_processed_at"`
}

// Scanner is the top-level loop: it follows new blocks over whichever
// transport is live, fetches receipts under bounded concurrency, feeds them
// through the drift detector and hands resulting events to the sinks.
type Scanner struct {
	cfg      *Config
	logger   *slog.Logger
	conn     *ConnectionManager
	breaker  *CircuitBreaker
	detector *drift.Detector
	sinks    []EventSink

	watch map[common.Address]struct{}

	lastBlock     atomic.Uint64
	blocksScanned atomic.Uint64
	blocksFailed  atomic.Uint64
	lastProcessed atomic.Int64 // unix nanos
}

// NewScanner wires a scanner from explicitly constructed parts. All state
// is owned here; nothing is process-global.
func NewScanner(cfg *Config, conn *ConnectionManager, breaker *CircuitBreaker, detector *drift.Detector, logger *slog.Logger, sinks ...EventSink) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scanner{
		cfg:      cfg,
		logger:   logger.With("component", "scanner"),
		conn:     conn,
		breaker:  breaker,
		detector: detector,
		sinks:    sinks,
	}
	if len(cfg.Processing.WatchAddresses) > 0 {
		s.watch = make(map[common.Address]struct{}, len(cfg.Processing.WatchAddresses))
		for _, addr := range cfg.Processing.WatchAddresses {
			s.watch[common.HexToAddress(addr)] = struct{}{}
		}
	}
	return s
}

// SetSinks replaces the scanner's event sinks. Must be called before Run;
// it exists because some sinks (the API stream) need the scanner for their
// own construction.
func (s *Scanner) SetSinks(sinks ...EventSink) {
	s.sinks = sinks
}

// Run drives the scanning loop until ctx is cancelled. Every iteration is
// gated by the circuit breaker; the active transport is chosen from the
// connection state.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("starting scanner",
		"receipt_concurrency", s.cfg.Processing.ReceiptConcurrency,
		"anomaly_threshold", s.cfg.Drift.AnomalyThreshold,
		"watched_contracts", len(s.watch),
	)

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("scanner shutting down")
			return err
		}

		if s.breaker.IsTripped() {
			s.logger.Warn("circuit breaker tripped, cooling down",
				"errors", s.breaker.ErrorCount(),
				"cool_down", s.breaker.CoolDown(),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.breaker.CoolDown()):
			}
			continue
		}

		if s.conn.WSConnected() {
			err := s.runPush(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				continue
			}
			s.logger.Warn("push processing failed, switching to HTTP fallback", "error", err)
			s.conn.MarkWSDown()
			s.breaker.Trip()
		} else {
			err := s.runPoll(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				continue
			}
			s.logger.Error("poll processing failed", "error", err)
			s.breaker.Trip()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectDelay):
			}
		}
	}
}

// runPush consumes the new-head subscription until it errors or the
// consecutive-error budget is spent.
func (s *Scanner) runPush(ctx context.Context) error {
	headers := make(chan *types.Header, 100)
	sub, err := s.conn.SubscribeNewHead(ctx, headers)
	if err != nil {
		return fmt.Errorf("subscribe new heads: %w", err)
	}
	defer sub.Unsubscribe()

	s.logger.Info("push block subscription established")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-sub.Err():
			return fmt.Errorf("head subscription: %w", err)

		case header := <-headers:
			number := header.Number.Uint64()
			if err := s.processBlock(ctx, number); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				s.blocksFailed.Add(1)
				consecutive := s.conn.MarkError()
				s.logger.Error("block processing failed",
					"block", number,
					"consecutive_errors", consecutive,
					"error", err,
				)
				if consecutive >= maxConsecutiveErrors {
					return fmt.Errorf("%d consecutive block errors: %w", consecutive, err)
				}
				continue
			}
			s.lastBlock.Store(number)
			s.conn.MarkSuccess()
			s.breaker.Reset()
		}
	}
}

// runPoll polls the head at a fixed cadence and replays every block between
// the last processed number and the head. A failed block is logged and
// skipped; the marker advances only on success, catching up through later
// blocks. Returns nil when the push transport comes back.
func (s *Scanner) runPoll(ctx context.Context) error {
	s.logger.Info("entering HTTP fallback", "poll_interval", s.cfg.RPC.PollInterval)

	ticker := time.NewTicker(s.cfg.RPC.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.conn.Reconnected():
			s.logger.Info("push transport back, leaving HTTP fallback")
			return nil

		case <-ticker.C:
			head, err := s.conn.BlockNumber(ctx)
			if err != nil {
				return fmt.Errorf("fetch head number: %w", err)
			}

			last := s.lastBlock.Load()
			if last == 0 {
				// First observation: start at the head rather than
				// replaying history.
				s.lastBlock.Store(head)
				s.conn.MarkSuccess()
				continue
			}

			for number := last + 1; number <= head; number++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := s.processBlock(ctx, number); err != nil {
					s.blocksFailed.Add(1)
					s.logger.Warn("block skipped", "block", number, "error", err)
					continue
				}
				s.lastBlock.Store(number)
				s.conn.MarkSuccess()
			}

			if s.conn.ShouldReconnectWS() && s.conn.TryReconnectWS(ctx) {
				// Drain the notification so the next fallback entry
				// does not return immediately.
				select {
				case <-s.conn.Reconnected():
				default:
				}
				s.logger.Info("push transport reconnected, leaving HTTP fallback")
				return nil
			}
		}
	}
}

// processBlock runs one block through the full pipeline under the block
// timeout: fetch the block, fan out receipt fetches, analyze, publish.
// Cancellation before analysis means no cache writes for the block.
func (s *Scanner) processBlock(ctx context.Context, number uint64) error {
	blockCtx, cancel := context.WithTimeout(ctx, s.cfg.Processing.BlockTimeout)
	defer cancel()

	block, err := s.conn.BlockByNumber(blockCtx, new(big.Int).SetUint64(number))
	if err != nil {
		return fmt.Errorf("fetch block %d: %w", number, err)
	}
	if block == nil {
		return fmt.Errorf("block %d not found", number)
	}

	receipts, err := s.fetchReceipts(blockCtx, block)
	if err != nil {
		return fmt.Errorf("fetch receipts for block %d: %w", number, err)
	}

	events, err := s.detector.AnalyzeBlock(blockCtx, number, receipts)
	if err != nil {
		return fmt.Errorf("analyze block %d: %w", number, err)
	}

	s.blocksScanned.Add(1)
	s.lastProcessed.Store(time.Now().UnixNano())

	for _, event := range events {
		s.publish(ctx, event)
	}

	s.logger.Debug("block processed",
		"block", number,
		"receipts", len(receipts),
		"drift_events", len(events),
	)
	return nil
}

// fetchReceipts fans out receipt fetches for the block's transactions under
// the admission limit. A failed fetch drops that receipt without failing
// the block; only cancellation aborts the batch.
func (s *Scanner) fetchReceipts(ctx context.Context, block *types.Block) ([]*drift.TxReceipt, error) {
	txs := block.Transactions()
	out := make([]*drift.TxReceipt, len(txs))

	g, fetchCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Processing.ReceiptConcurrency)

	for i, tx := range txs {
		if !s.watched(tx.To()) {
			continue
		}
		g.Go(func() error {
			receipt, err := s.conn.TransactionReceipt(fetchCtx, tx.Hash())
			if err != nil {
				if fetchCtx.Err() != nil {
					return fetchCtx.Err()
				}
				s.logger.Warn("receipt fetch failed",
					"tx", tx.Hash().Hex(),
					"error", err,
				)
				return nil
			}
			out[i] = &drift.TxReceipt{
				TxHash:  tx.Hash(),
				To:      tx.To(),
				Status:  receipt.Status,
				GasUsed: receipt.GasUsed,
				Logs:    receipt.Logs,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	receipts := make([]*drift.TxReceipt, 0, len(out))
	for _, r := range out {
		if r != nil {
			receipts = append(receipts, r)
		}
	}
	return receipts, nil
}

// watched reports whether a transaction target is in scope. An empty watch
// list means every contract is analyzed; contract creations are not.
func (s *Scanner) watched(to *common.Address) bool {
	if to == nil {
		return false
	}
	if len(s.watch) == 0 {
		return true
	}
	_, ok := s.watch[*to]
	return ok
}

func (s *Scanner) publish(ctx context.Context, event drift.SlotDriftEvent) {
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			s.logger.Warn("event publish failed",
				"event_id", event.ID,
				"contract", event.Contract.Hex(),
				"error", err,
			)
		}
	}
}

// Stats returns the scanner's aggregate counters and connection view.
func (s *Scanner) Stats() Stats {
	state := s.conn.State()
	stats := Stats{
		LastBlock:         s.lastBlock.Load(),
		BlocksScanned:     s.blocksScanned.Load(),
		BlocksFailed:      s.blocksFailed.Load(),
		WSConnected:       state.WSConnected,
		ConsecutiveErrors: state.ConsecutiveErrors,
		BreakerErrors:     s.breaker.ErrorCount(),
	}
	if nanos := s.lastProcessed.Load(); nanos > 0 {
		stats.LastProcessedAt = time.Unix(0, nanos)
	}
	return stats
}

// LastProcessedAt returns when the most recent block completed, for the
// health surface.
func (s *Scanner) LastProcessedAt() time.Time {
	nanos := s.lastProcessed.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

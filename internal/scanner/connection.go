package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// HeadSource yields newly mined block headers in chain order. It may
// terminate or error at any time; both are failover triggers.
type HeadSource interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// BlockSource serves blocks on demand: the current head number, or a block
// by number with its transaction list.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
}

// ReceiptFetcher returns the receipt for a transaction hash.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ConnectionState tracks the liveness of the push transport. Mutated only
// by the connection manager; read by failover decisions.
type ConnectionState struct {
	WSConnected       bool
	LastSuccess       time.Time
	ConsecutiveErrors int
	ReconnectAttempts int
}

// ConnectionManager owns the push (WebSocket) and poll (HTTP) transports to
// the same chain source and decides when to fail over between them.
type ConnectionManager struct {
	cfg    *RPCConfig
	logger *slog.Logger

	mu            sync.Mutex
	ws            HeadSource
	poll          BlockSource
	receipts      ReceiptFetcher
	wsClient      *ethclient.Client
	httpClient    *ethclient.Client
	state         ConnectionState
	lastReconnect time.Time

	reconnected chan struct{}

	dialWS func(ctx context.Context) (HeadSource, error)
	now    func() time.Time
}

// NewConnectionManager creates a manager that dials real clients on
// Connect.
func NewConnectionManager(cfg *RPCConfig, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &ConnectionManager{
		cfg:         cfg,
		logger:      logger.With("component", "connection-manager"),
		reconnected: make(chan struct{}, 1),
		now:         time.Now,
	}
	m.dialWS = func(ctx context.Context) (HeadSource, error) {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		client, err := ethclient.DialContext(dialCtx, cfg.WSURL)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if m.wsClient != nil {
			m.wsClient.Close()
		}
		m.wsClient = client
		m.mu.Unlock()
		return client, nil
	}
	return m
}

// NewConnectionManagerWithSources creates a manager over injected sources.
// Used by tests and by callers that already hold connected clients.
func NewConnectionManagerWithSources(cfg *RPCConfig, ws HeadSource, poll BlockSource, receipts ReceiptFetcher, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &ConnectionManager{
		cfg:         cfg,
		logger:      logger.With("component", "connection-manager"),
		ws:          ws,
		poll:        poll,
		receipts:    receipts,
		reconnected: make(chan struct{}, 1),
		now:         time.Now,
	}
	m.state.WSConnected = ws != nil
	m.state.LastSuccess = m.now()
	m.dialWS = func(ctx context.Context) (HeadSource, error) {
		if ws == nil {
			return nil, fmt.Errorf("no websocket source")
		}
		return ws, nil
	}
	return m
}

// Connect dials both transports. The poll endpoint is required; a failed
// push dial degrades to HTTP fallback rather than failing startup.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.logger.Info("connecting to poll endpoint", "url", m.cfg.HTTPURL)
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	httpClient, err := ethclient.DialContext(dialCtx, m.cfg.HTTPURL)
	cancel()
	if err != nil {
		return fmt.Errorf("dial HTTP endpoint: %w", err)
	}

	m.mu.Lock()
	m.httpClient = httpClient
	m.poll = httpClient
	m.receipts = httpClient
	m.state.LastSuccess = m.now()
	m.mu.Unlock()

	m.logger.Info("connecting to push endpoint", "url", m.cfg.WSURL)
	ws, err := m.dialWS(ctx)
	if err != nil {
		m.logger.Warn("push endpoint dial failed, starting in HTTP fallback", "error", err)
		return nil
	}

	m.mu.Lock()
	m.ws = ws
	m.state.WSConnected = true
	m.mu.Unlock()

	m.logger.Info("both transports connected")
	return nil
}

// Close releases both transports.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wsClient != nil {
		m.wsClient.Close()
		m.wsClient = nil
	}
	if m.httpClient != nil {
		m.httpClient.Close()
		m.httpClient = nil
	}
	m.state.WSConnected = false
}

// State returns a copy of the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WSConnected reports whether the push transport is live.
func (m *ConnectionManager) WSConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.WSConnected
}

// MarkSuccess records a successful block and clears the error budget.
func (m *ConnectionManager) MarkSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.LastSuccess = m.now()
	m.state.ConsecutiveErrors = 0
	m.state.ReconnectAttempts = 0
}

// MarkError counts one processing error against the push transport's
// budget and returns the new consecutive count.
func (m *ConnectionManager) MarkError() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ConsecutiveErrors++
	return m.state.ConsecutiveErrors
}

// MarkWSDown flags the push transport as dead, forcing HTTP fallback.
func (m *ConnectionManager) MarkWSDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.WSConnected = false
}

// ShouldReconnectWS reports whether the poll loop should attempt a push
// reconnect now: at most once per reconnect interval, with the attempt
// budget starting over after a full quiet interval.
func (m *ConnectionManager) ShouldReconnectWS() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.WSConnected {
		return false
	}
	if !m.lastReconnect.IsZero() && m.now().Sub(m.lastReconnect) < m.cfg.ReconnectInterval {
		return false
	}
	if m.state.ReconnectAttempts >= m.cfg.MaxReconnectAttempts {
		// Budget exhausted, but a full interval has passed: start fresh.
		m.state.ReconnectAttempts = 0
	}
	return true
}

// TryReconnectWS attempts one push reconnect. On success the transport is
// live again, the budget clears and the reconnect notification fires.
func (m *ConnectionManager) TryReconnectWS(ctx context.Context) bool {
	m.mu.Lock()
	m.lastReconnect = m.now()
	m.state.ReconnectAttempts++
	attempt := m.state.ReconnectAttempts
	m.mu.Unlock()

	m.logger.Info("attempting push reconnect", "attempt", attempt)

	ws, err := m.dialWS(ctx)
	if err != nil {
		m.logger.Warn("push reconnect failed", "attempt", attempt, "error", err)
		return false
	}

	m.mu.Lock()
	m.ws = ws
	m.state.WSConnected = true
	m.state.ConsecutiveErrors = 0
	m.state.ReconnectAttempts = 0
	m.mu.Unlock()

	select {
	case m.reconnected <- struct{}{}:
	default:
	}

	m.logger.Info("push transport reconnected")
	return true
}

// Reconnected returns the channel signalled after a successful push
// reconnect.
func (m *ConnectionManager) Reconnected() <-chan struct{} {
	return m.reconnected
}

// SubscribeNewHead subscribes to new heads on the push transport.
func (m *ConnectionManager) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws == nil {
		return nil, fmt.Errorf("push transport not connected")
	}
	return ws.SubscribeNewHead(ctx, ch)
}

// BlockNumber returns the current head number from the poll transport.
func (m *ConnectionManager) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	poll := m.poll
	m.mu.Unlock()
	if poll == nil {
		return 0, fmt.Errorf("poll transport not connected")
	}
	return poll.BlockNumber(ctx)
}

// BlockByNumber fetches a block with its transactions from the poll
// transport.
func (m *ConnectionManager) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	m.mu.Lock()
	poll := m.poll
	m.mu.Unlock()
	if poll == nil {
		return nil, fmt.Errorf("poll transport not connected")
	}
	return poll.BlockByNumber(ctx, number)
}

// TransactionReceipt fetches one receipt.
func (m *ConnectionManager) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	receipts := m.receipts
	m.mu.Unlock()
	if receipts == nil {
		return nil, fmt.Errorf("receipt transport not connected")
	}
	return receipts.TransactionReceipt(ctx, txHash)
}

// Package ledger connects to a hardware signing device through a local
// device bridge that speaks JSON frames over a WebSocket.
//
// Frames are {"id", "method", "params"} requests answered by
// {"id", "result"} or {"id", "error"} responses. The bridge owns USB/HID
// access; this package only routes requests and correlates replies.
package ledger

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
)

// Config holds bridge configuration.
type Config struct {
	BridgeURL        string
	Testnet          bool
	HandshakeTimeout time.Duration
	// RequestTimeout bounds non-signing requests. Signing waits for the
	// operator without limit.
	RequestTimeout time.Duration
	Logger         *logging.Logger
}

type frame struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params any             `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *bridgeError    `json:"error,omitempty"`
}

type bridgeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *bridgeError) Error() string {
	return fmt.Sprintf("device bridge error %d: %s", e.Code, e.Message)
}

// ErrClosed is returned for requests cut off by Disconnect or a dropped
// bridge connection.
var ErrClosed = fmt.Errorf("device bridge connection closed")

// Connector is the hardware backend.
type Connector struct {
	cfg    Config
	logger *logging.Logger

	mu   sync.Mutex
	conn *bridgeConn
	keys map[uint32]connector.Info
}

var _ connector.Connector = (*Connector)(nil)

// New creates an unconnected hardware backend.
func New(cfg Config) (*Connector, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("device bridge URL required")
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDefault("ledger")
	}
	return &Connector{
		cfg:    cfg,
		logger: logger,
		keys:   make(map[uint32]connector.Info),
	}, nil
}

// NewFactory returns a connector.Factory bound to cfg.
func NewFactory(cfg Config) connector.Factory {
	return func() (connector.Connector, error) {
		return New(cfg)
	}
}

func (c *Connector) Kind() connector.Kind { return connector.KindLedger }

// Connect dials the bridge, checks that the signing app is open and reads the
// address at the derivation path for index.
func (c *Connector) Connect(ctx context.Context, index uint32) (connector.Info, error) {
	if err := c.dial(ctx); err != nil {
		return connector.Info{}, err
	}

	if _, err := c.call(ctx, "open", map[string]any{"testnet": c.cfg.Testnet}, true); err != nil {
		c.closeConn()
		return connector.Info{}, fmt.Errorf("open signing app: %w", err)
	}

	info, err := c.lookup(ctx, index)
	if err != nil {
		c.closeConn()
		return connector.Info{}, err
	}
	return info, nil
}

func (c *Connector) lookup(ctx context.Context, index uint32) (connector.Info, error) {
	c.mu.Lock()
	if info, ok := c.keys[index]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	raw, err := c.call(ctx, "getAddress", map[string]any{
		"path":    connector.DerivationPath(index, c.cfg.Testnet),
		"testnet": c.cfg.Testnet,
	}, true)
	if err != nil {
		return connector.Info{}, fmt.Errorf("read device address: %w", err)
	}

	var out struct {
		Address   string `json:"address"`
		PublicKey string `json:"publicKey"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return connector.Info{}, fmt.Errorf("decode device address: %w", err)
	}
	if out.Address == "" {
		return connector.Info{}, fmt.Errorf("device returned no address")
	}
	pub, err := hex.DecodeString(strings.TrimPrefix(out.PublicKey, "0x"))
	if err != nil {
		return connector.Info{}, fmt.Errorf("decode device public key: %w", err)
	}

	info := connector.Info{Address: out.Address, Index: index, PublicKey: pub}
	c.mu.Lock()
	c.keys[index] = info
	c.mu.Unlock()
	return info, nil
}

// Disconnect closes the bridge connection. Pending requests fail with
// ErrClosed.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.keys = make(map[uint32]connector.Info)
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.close()
}

// Sign asks the device to sign a serialized chain message. The operator
// confirms on the device, so no deadline is applied and caller cancellation
// does not abort the request; Disconnect does.
func (c *Connector) Sign(ctx context.Context, message []byte, index uint32) (connector.Signature, error) {
	return c.sign(ctx, "sign", message, index)
}

// SignRaw asks the device to sign an arbitrary payload.
func (c *Connector) SignRaw(ctx context.Context, payload []byte, index uint32) (connector.Signature, error) {
	return c.sign(ctx, "signRaw", payload, index)
}

func (c *Connector) sign(ctx context.Context, method string, payload []byte, index uint32) (connector.Signature, error) {
	raw, err := c.call(context.WithoutCancel(ctx), method, map[string]any{
		"path":    connector.DerivationPath(index, c.cfg.Testnet),
		"message": base64.StdEncoding.EncodeToString(payload),
	}, false)
	if err != nil {
		return connector.Signature{}, err
	}

	var out struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return connector.Signature{}, fmt.Errorf("decode signature: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(out.Signature)
	if err != nil {
		return connector.Signature{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return connector.Signature{}, fmt.Errorf("device returned %d-byte signature, want 65", len(sig))
	}
	return connector.Signature{Type: connector.SigTypeSecp256k1, Data: sig}, nil
}

// Accounts returns the addresses read so far, ordered by index.
func (c *Connector) Accounts(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrClosed
	}
	indices := make([]uint32, 0, len(c.keys))
	for i := range c.keys {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })

	out := make([]string, 0, len(indices))
	for _, i := range indices {
		out = append(out, c.keys[i].Address)
	}
	return out, nil
}

func (c *Connector) PublicKey(ctx context.Context, index uint32) ([]byte, error) {
	info, err := c.lookup(ctx, index)
	if err != nil {
		return nil, err
	}
	return info.PublicKey, nil
}

// =============================================================================
// Transport
// =============================================================================

func (c *Connector) dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.closed() {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, c.cfg.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.conn = newBridgeConn(ws, c.logger)
	c.keys = make(map[uint32]connector.Info)
	return nil
}

func (c *Connector) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.close()
	}
}

func (c *Connector) call(ctx context.Context, method string, params any, bounded bool) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrClosed
	}

	if bounded {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	return conn.call(ctx, method, params)
}

// bridgeConn is one WebSocket session with the bridge. Requests are
// correlated by id; a dropped socket fails everything pending on it.
type bridgeConn struct {
	ws     *websocket.Conn
	logger *logging.Logger
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	pending map[uint64]chan frame
	nextID  uint64

	writeMu sync.Mutex
}

func newBridgeConn(ws *websocket.Conn, logger *logging.Logger) *bridgeConn {
	b := &bridgeConn{
		ws:      ws,
		logger:  logger,
		done:    make(chan struct{}),
		pending: make(map[uint64]chan frame),
	}
	go b.readLoop()
	return b
}

func (b *bridgeConn) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *bridgeConn) close() error {
	var err error
	b.once.Do(func() {
		b.writeMu.Lock()
		err = b.ws.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		b.writeMu.Unlock()
		close(b.done)
		b.ws.Close()
	})
	if err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return nil
}

func (b *bridgeConn) readLoop() {
	defer b.failPending()

	for {
		_, message, err := b.ws.ReadMessage()
		if err != nil {
			if !b.closed() {
				b.logger.WithError(err).Warn("device bridge connection lost")
				b.once.Do(func() {
					close(b.done)
					b.ws.Close()
				})
			}
			return
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			b.logger.WithError(err).Debug("ignoring malformed bridge frame")
			continue
		}

		b.mu.Lock()
		ch, ok := b.pending[f.ID]
		delete(b.pending, f.ID)
		b.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (b *bridgeConn) failPending() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[uint64]chan frame)
	b.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (b *bridgeConn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if b.closed() {
		return nil, ErrClosed
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	ch := make(chan frame, 1)
	b.pending[id] = ch
	b.mu.Unlock()

	b.writeMu.Lock()
	err := b.ws.WriteJSON(frame{ID: id, Method: method, Params: params})
	b.writeMu.Unlock()
	if err != nil {
		b.forget(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if f.Error != nil {
			return nil, f.Error
		}
		return f.Result, nil
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		b.forget(id)
		return nil, ctx.Err()
	}
}

func (b *bridgeConn) forget(id uint64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Package session owns the single active wallet session.
//
// The manager is the only holder of a live connector. Readers see immutable
// account snapshots published through an atomic pointer; every connect and
// disconnect bumps an epoch so work started under an old session can tell it
// has been torn down.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/domain/account"
	"github.com/JAG-UK/rkh-frontend/internal/errors"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
	"github.com/JAG-UK/rkh-frontend/internal/metrics"
	"github.com/JAG-UK/rkh-frontend/internal/roles"
)

// EventType classifies session events.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
)

// Event is delivered to subscribers on every session change.
type Event struct {
	Type    EventType       `json:"type"`
	Account account.Account `json:"account"`
	At      time.Time       `json:"at"`
}

const subscriberBuffer = 16

// IDLookup resolves a key address to its on-chain ID address.
type IDLookup interface {
	StateLookupID(ctx context.Context, addr string) (string, error)
}

// Config configures a Manager. IDs is optional; without it accounts carry
// no ID address.
type Config struct {
	Factories map[connector.Kind]connector.Factory
	Roles     roles.Resolver
	IDs       IDLookup
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
}

type state struct {
	epoch   uint64
	account account.Account
	conn    connector.Connector
}

// Manager is the session manager.
type Manager struct {
	factories map[connector.Kind]connector.Factory
	roles     roles.Resolver
	ids       IDLookup
	logger    *logging.Logger
	metrics   *metrics.Metrics

	connecting atomic.Bool
	current    atomic.Pointer[state]

	// mu serialises publication of new states.
	mu    sync.Mutex
	epoch uint64

	signMu  sync.Mutex
	signing map[string]struct{}

	subsMu sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
}

// NewManager creates a manager with no active session.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDefault("session")
	}
	resolver := cfg.Roles
	if resolver == nil {
		resolver = roles.NewChain(nil, nil, logger)
	}
	factories := make(map[connector.Kind]connector.Factory, len(cfg.Factories))
	for k, f := range cfg.Factories {
		factories[k] = f
	}
	return &Manager{
		factories: factories,
		roles:     resolver,
		ids:       cfg.IDs,
		logger:    logger,
		metrics:   cfg.Metrics,
		signing:   make(map[string]struct{}),
		subs:      make(map[uint64]chan Event),
	}
}

// =============================================================================
// Connect / Disconnect
// =============================================================================

// Connect pairs with the backend of the given kind and makes the resulting
// account the active session. index defaults to 0. On failure the previous
// session is left untouched; on success it is replaced and torn down.
func (m *Manager) Connect(ctx context.Context, kind connector.Kind, index *uint32) (account.Account, error) {
	if !m.connecting.CompareAndSwap(false, true) {
		return account.Account{}, errors.SessionBusy("a connection attempt is already in progress")
	}
	defer m.connecting.Store(false)

	acct, err := m.connect(ctx, kind, index)
	if m.metrics != nil {
		m.metrics.RecordConnect(string(kind), err)
	}
	return acct, err
}

func (m *Manager) connect(ctx context.Context, kind connector.Kind, index *uint32) (account.Account, error) {
	factory, ok := m.factories[kind]
	if !ok {
		return account.Account{}, errors.InvalidInput("connector", "unsupported connector "+string(kind))
	}

	var idx uint32
	if index != nil {
		idx = *index
	}

	conn, err := factory()
	if err != nil {
		return account.Account{}, errors.Connector(string(kind), err)
	}

	info, err := conn.Connect(ctx, idx)
	if err != nil {
		if derr := conn.Disconnect(context.WithoutCancel(ctx)); derr != nil {
			m.logger.WithContext(ctx).WithError(derr).Debug("cleanup after failed connect")
		}
		return account.Account{}, errors.Connector(string(kind), err)
	}

	role, err := m.roles.RoleFor(ctx, kind, info.Address)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("role lookup failed; connecting as guest")
		role = account.RoleGuest
	}

	acct := account.Account{
		Address:     info.Address,
		IDAddress:   m.lookupID(ctx, kind, info.Address),
		Index:       info.Index,
		Role:        role,
		IsConnected: true,
		Connector:   kind,
		PublicKey:   info.PublicKey,
	}

	m.mu.Lock()
	m.epoch++
	next := &state{epoch: m.epoch, account: acct, conn: conn}
	prev := m.current.Swap(next)
	m.publish(Event{Type: EventConnected, Account: acct.Clone(), At: time.Now().UTC()})
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetSessionActive(true)
	}
	m.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"connector": kind,
		"address":   acct.Address,
		"role":      acct.Role,
		"index":     acct.Index,
	}).Info("wallet connected")

	if prev != nil && prev.conn != conn {
		m.teardown(ctx, prev)
	}
	return acct.Clone(), nil
}

// lookupID resolves the ID address of a Filecoin account. Unknown or
// unfunded accounts have none, so failures only leave it empty.
func (m *Manager) lookupID(ctx context.Context, kind connector.Kind, addr string) string {
	if m.ids == nil || kind == connector.KindMetaMask {
		return ""
	}
	id, err := m.ids.StateLookupID(ctx, addr)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).WithField("address", addr).Debug("id address lookup failed")
		return ""
	}
	return id
}

// Disconnect ends the active session. It is idempotent and always clears
// local state; remote teardown failures are only logged.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	prev := m.current.Load()
	if prev == nil {
		m.mu.Unlock()
		return nil
	}
	// The injected provider is revoked while its account is still the
	// published one; other backends are released after the account clears.
	injected := prev.account.Role == account.RoleMetadataAllocator
	if injected {
		m.teardown(ctx, prev)
	}
	m.epoch++
	m.current.Store(nil)
	m.publish(Event{Type: EventDisconnected, Account: account.Guest(), At: time.Now().UTC()})
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetSessionActive(false)
	}
	if !injected {
		m.teardown(ctx, prev)
	}
	m.logger.WithContext(ctx).WithField("address", prev.account.Address).Info("wallet disconnected")
	return nil
}

// teardown releases a retired connector. Failures are logged only.
func (m *Manager) teardown(ctx context.Context, st *state) {
	ctx = context.WithoutCancel(ctx)
	if err := st.conn.Disconnect(ctx); err != nil {
		m.logger.WithContext(ctx).WithError(err).
			WithField("connector", st.account.Connector).
			Warn("connector teardown failed")
	}
}

// Close tears down any active session.
func (m *Manager) Close(ctx context.Context) error {
	return m.Disconnect(ctx)
}

// =============================================================================
// Readers
// =============================================================================

// Current returns the active account. Without a session it returns the guest
// account and false.
func (m *Manager) Current() (account.Account, bool) {
	st := m.current.Load()
	if st == nil {
		return account.Guest(), false
	}
	return st.account.Clone(), true
}

// Subscribe registers for session events. The current state is delivered
// first. Slow subscribers lose older events, never the latest one.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	m.mu.Lock()
	if st := m.current.Load(); st != nil {
		ch <- Event{Type: EventConnected, Account: st.account.Clone(), At: time.Now().UTC()}
	} else {
		ch <- Event{Type: EventDisconnected, Account: account.Guest(), At: time.Now().UTC()}
	}
	m.subsMu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = ch
	m.subsMu.Unlock()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(ev Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// =============================================================================
// Signing
// =============================================================================

// Sign signs a serialized chain message with the active account.
func (m *Manager) Sign(ctx context.Context, message []byte) (connector.Signature, error) {
	return m.signWith(ctx, m.current.Load(), message, false)
}

// SignRaw signs an off-chain payload with the active account.
func (m *Manager) SignRaw(ctx context.Context, payload []byte) (connector.Signature, error) {
	return m.signWith(ctx, m.current.Load(), payload, true)
}

func (m *Manager) signWith(ctx context.Context, st *state, payload []byte, raw bool) (connector.Signature, error) {
	if st == nil || !m.alive(st) {
		return connector.Signature{}, errors.NoActiveSession()
	}

	key := st.account.Address
	if !m.acquire(key) {
		return connector.Signature{}, errors.SessionBusy("a signature request is already pending for this account")
	}
	defer m.release(key)

	start := time.Now()
	var (
		sig connector.Signature
		err error
	)
	if raw {
		sig, err = st.conn.SignRaw(ctx, payload, st.account.Index)
	} else {
		sig, err = st.conn.Sign(ctx, payload, st.account.Index)
	}
	if m.metrics != nil {
		m.metrics.RecordSign(string(st.account.Connector), time.Since(start), err)
	}

	if !m.alive(st) {
		m.logger.WithContext(ctx).WithField("address", key).Info("discarding signature from torn-down session")
		return connector.Signature{}, errors.NoActiveSession()
	}
	if err != nil {
		return connector.Signature{}, errors.Signing(err)
	}
	return sig, nil
}

func (m *Manager) alive(st *state) bool {
	cur := m.current.Load()
	return cur != nil && cur.epoch == st.epoch
}

func (m *Manager) acquire(key string) bool {
	m.signMu.Lock()
	defer m.signMu.Unlock()
	if _, busy := m.signing[key]; busy {
		return false
	}
	m.signing[key] = struct{}{}
	return true
}

func (m *Manager) release(key string) {
	m.signMu.Lock()
	defer m.signMu.Unlock()
	delete(m.signing, key)
}

// =============================================================================
// Wallet handle
// =============================================================================

// Wallet returns a handle bound to the current session. Every call through
// the handle fails with NoActiveSession once that session is gone, even if a
// new one has since been established.
func (m *Manager) Wallet() (*Wallet, error) {
	st := m.current.Load()
	if st == nil {
		return nil, errors.WalletNotConnected()
	}
	return &Wallet{m: m, st: st}, nil
}

// Wallet is a session-bound signing handle used by workflows.
type Wallet struct {
	m  *Manager
	st *state
}

// Account returns the account the handle was bound to.
func (w *Wallet) Account() account.Account {
	return w.st.account.Clone()
}

// Active reports whether the bound session is still current.
func (w *Wallet) Active() bool {
	return w.m.alive(w.st)
}

func (w *Wallet) Sign(ctx context.Context, message []byte) (connector.Signature, error) {
	return w.m.signWith(ctx, w.st, message, false)
}

func (w *Wallet) SignRaw(ctx context.Context, payload []byte) (connector.Signature, error) {
	return w.m.signWith(ctx, w.st, payload, true)
}

// PublicKey returns the bound account's public key, fetching it from the
// backend when the connect handshake did not provide one.
func (w *Wallet) PublicKey(ctx context.Context) ([]byte, error) {
	if !w.Active() {
		return nil, errors.NoActiveSession()
	}
	if len(w.st.account.PublicKey) > 0 {
		return append([]byte(nil), w.st.account.PublicKey...), nil
	}
	pub, err := w.st.conn.PublicKey(ctx, w.st.account.Index)
	if err != nil {
		return nil, errors.Connector(string(w.st.account.Connector), err)
	}
	return pub, nil
}

// ContractCaller exposes the backend's EVM transaction capability, if any.
func (w *Wallet) ContractCaller() (connector.ContractCaller, bool) {
	cc, ok := w.st.conn.(connector.ContractCaller)
	if !ok {
		return nil, false
	}
	return &boundCaller{w: w, cc: cc}, true
}

type boundCaller struct {
	w  *Wallet
	cc connector.ContractCaller
}

func (b *boundCaller) SendContractCall(ctx context.Context, call connector.ContractCall) (string, error) {
	if !b.w.Active() {
		return "", errors.NoActiveSession()
	}
	hash, err := b.cc.SendContractCall(ctx, call)
	if !b.w.Active() {
		return "", errors.NoActiveSession()
	}
	if err != nil {
		return "", errors.Signing(err)
	}
	return hash, nil
}

var _ connector.Signer = (*Wallet)(nil)

// Signer is Wallet for callers that only need the connector.Signer view.
func (m *Manager) Signer() (connector.Signer, error) {
	w, err := m.Wallet()
	if err != nil {
		return nil, err
	}
	return w, nil
}

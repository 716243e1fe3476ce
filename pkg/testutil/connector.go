package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JAG-UK/rkh-frontend/internal/connector"
)

// MockConnector is a scriptable connector.Connector.
type MockConnector struct {
	KindValue connector.Kind
	Address   string
	PubKey    []byte

	ConnectErr    error
	DisconnectErr error
	SignErr       error
	Signature     connector.Signature

	// ConnectGate, when set, blocks Connect until closed.
	ConnectGate chan struct{}
	// SignGate, when set, blocks Sign until closed.
	SignGate chan struct{}
	// SignStarted receives once per Sign call, if set.
	SignStarted chan struct{}
	// OnDisconnect, when set, runs at the start of every Disconnect.
	OnDisconnect func()

	connects    atomic.Int32
	disconnects atomic.Int32
	signs       atomic.Int32

	mu       sync.Mutex
	lastSign []byte
	calls    []connector.ContractCall
}

var (
	_ connector.Connector      = (*MockConnector)(nil)
	_ connector.ContractCaller = (*MockConnector)(nil)
)

// NewMockConnector returns a connector that succeeds with a fixed address.
func NewMockConnector(kind connector.Kind, address string) *MockConnector {
	return &MockConnector{
		KindValue: kind,
		Address:   address,
		PubKey:    []byte{0x04, 0x01},
		Signature: connector.Signature{Type: connector.SigTypeSecp256k1, Data: make([]byte, 65)},
	}
}

// Factory returns a factory that always hands out m.
func (m *MockConnector) Factory() connector.Factory {
	return func() (connector.Connector, error) { return m, nil }
}

func (m *MockConnector) Kind() connector.Kind { return m.KindValue }

func (m *MockConnector) Connect(ctx context.Context, index uint32) (connector.Info, error) {
	m.connects.Add(1)
	if m.ConnectGate != nil {
		select {
		case <-m.ConnectGate:
		case <-ctx.Done():
			return connector.Info{}, ctx.Err()
		}
	}
	if m.ConnectErr != nil {
		return connector.Info{}, m.ConnectErr
	}
	return connector.Info{Address: m.Address, Index: index, PublicKey: m.PubKey}, nil
}

func (m *MockConnector) Disconnect(ctx context.Context) error {
	m.disconnects.Add(1)
	if m.OnDisconnect != nil {
		m.OnDisconnect()
	}
	return m.DisconnectErr
}

func (m *MockConnector) Sign(ctx context.Context, message []byte, index uint32) (connector.Signature, error) {
	m.signs.Add(1)
	m.mu.Lock()
	m.lastSign = append([]byte(nil), message...)
	m.mu.Unlock()

	if m.SignStarted != nil {
		m.SignStarted <- struct{}{}
	}
	if m.SignGate != nil {
		<-m.SignGate
	}
	if m.SignErr != nil {
		return connector.Signature{}, m.SignErr
	}
	return m.Signature, nil
}

func (m *MockConnector) SignRaw(ctx context.Context, payload []byte, index uint32) (connector.Signature, error) {
	return m.Sign(ctx, payload, index)
}

func (m *MockConnector) Accounts(ctx context.Context) ([]string, error) {
	return []string{m.Address}, nil
}

func (m *MockConnector) PublicKey(ctx context.Context, index uint32) ([]byte, error) {
	return m.PubKey, nil
}

func (m *MockConnector) SendContractCall(ctx context.Context, call connector.ContractCall) (string, error) {
	if m.KindValue != connector.KindMetaMask {
		return "", fmt.Errorf("contract calls need an injected provider")
	}
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
	return fmt.Sprintf("0x%064x", len(m.calls)), nil
}

func (m *MockConnector) ConnectCount() int    { return int(m.connects.Load()) }
func (m *MockConnector) DisconnectCount() int { return int(m.disconnects.Load()) }
func (m *MockConnector) SignCount() int       { return int(m.signs.Load()) }

// LastSigned returns the payload of the latest Sign call.
func (m *MockConnector) LastSigned() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSign
}

// ContractCalls returns the submitted contract calls.
func (m *MockConnector) ContractCalls() []connector.ContractCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]connector.ContractCall(nil), m.calls...)
}

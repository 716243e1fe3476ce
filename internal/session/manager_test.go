package session

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/domain/account"
	"github.com/JAG-UK/rkh-frontend/internal/errors"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
	"github.com/JAG-UK/rkh-frontend/internal/metrics"
	"github.com/JAG-UK/rkh-frontend/internal/roles"
	"github.com/JAG-UK/rkh-frontend/pkg/testutil"
)

func newManager(t *testing.T, conns ...*testutil.MockConnector) *Manager {
	t.Helper()
	factories := make(map[connector.Kind]connector.Factory)
	for _, c := range conns {
		factories[c.KindValue] = c.Factory()
	}
	dir := roles.NewDirectory(map[account.Role][]string{
		account.RoleRootKeyHolder: {"f1ledgerholder"},
	})
	return NewManager(Config{
		Factories: factories,
		Roles:     roles.NewChain(dir, nil, logging.Discard()),
		Logger:    logging.Discard(),
		Metrics:   metrics.New(false),
	})
}

func code(err error) errors.ErrorCode {
	if se := errors.GetServiceError(err); se != nil {
		return se.Code
	}
	return ""
}

func TestConnectResolvesRole(t *testing.T) {
	ledger := testutil.NewMockConnector(connector.KindLedger, "f1ledgerholder")
	m := newManager(t, ledger)

	_, ok := m.Current()
	assert.False(t, ok)

	idx := uint32(3)
	acct, err := m.Connect(context.Background(), connector.KindLedger, &idx)
	require.NoError(t, err)
	assert.Equal(t, account.RoleRootKeyHolder, acct.Role)
	assert.Equal(t, uint32(3), acct.Index)
	assert.True(t, acct.IsConnected)

	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "f1ledgerholder", cur.Address)
}

type idTable map[string]string

func (t idTable) StateLookupID(_ context.Context, addr string) (string, error) {
	if id, ok := t[addr]; ok {
		return id, nil
	}
	return "", stderrors.New("actor not found")
}

func TestConnectResolvesIDAddress(t *testing.T) {
	ledger := testutil.NewMockConnector(connector.KindLedger, "f1ledgerholder")
	unknown := testutil.NewMockConnector(connector.KindFilsnap, "f1fresh")
	m := NewManager(Config{
		Factories: map[connector.Kind]connector.Factory{
			connector.KindLedger:  ledger.Factory(),
			connector.KindFilsnap: unknown.Factory(),
		},
		IDs:    idTable{"f1ledgerholder": "f0101"},
		Logger: logging.Discard(),
	})

	acct, err := m.Connect(context.Background(), connector.KindLedger, nil)
	require.NoError(t, err)
	assert.Equal(t, "f0101", acct.IDAddress)

	acct, err = m.Connect(context.Background(), connector.KindFilsnap, nil)
	require.NoError(t, err, "a missing actor does not block the session")
	assert.Empty(t, acct.IDAddress)
}

func TestConnectInjectedIsMetadataAllocator(t *testing.T) {
	mm := testutil.NewMockConnector(connector.KindMetaMask, "0xabc")
	m := newManager(t, mm)

	acct, err := m.Connect(context.Background(), connector.KindMetaMask, nil)
	require.NoError(t, err)
	assert.Equal(t, account.RoleMetadataAllocator, acct.Role)
}

func TestDisconnectRevokesInjectedProviderBeforeClearing(t *testing.T) {
	ctx := context.Background()
	mm := testutil.NewMockConnector(connector.KindMetaMask, "0xabc")
	mm.DisconnectErr = stderrors.New("provider gone")
	m := newManager(t, mm)

	var stillActive bool
	mm.OnDisconnect = func() { _, stillActive = m.Current() }

	_, err := m.Connect(ctx, connector.KindMetaMask, nil)
	require.NoError(t, err)
	require.NoError(t, m.Disconnect(ctx))

	assert.True(t, stillActive, "provider revoked while the account was active")
	_, ok := m.Current()
	assert.False(t, ok, "local state cleared despite the teardown error")
	assert.Equal(t, 1, mm.DisconnectCount())
}

func TestDisconnectClearsHardwareAccountBeforeTeardown(t *testing.T) {
	ctx := context.Background()
	ledger := testutil.NewMockConnector(connector.KindLedger, "f1ledgerholder")
	m := newManager(t, ledger)

	stillActive := true
	ledger.OnDisconnect = func() { _, stillActive = m.Current() }

	_, err := m.Connect(ctx, connector.KindLedger, nil)
	require.NoError(t, err)
	require.NoError(t, m.Disconnect(ctx))
	assert.False(t, stillActive)
}

func TestConnectUnknownKind(t *testing.T) {
	m := newManager(t)
	_, err := m.Connect(context.Background(), connector.KindFilsnap, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidInput, code(err))
}

func TestFailedConnectKeepsPreviousSession(t *testing.T) {
	ledger := testutil.NewMockConnector(connector.KindLedger, "f1ledgerholder")
	snap := testutil.NewMockConnector(connector.KindFilsnap, "f1snap")
	snap.ConnectErr = stderrors.New("snap not installed")
	m := newManager(t, ledger, snap)

	_, err := m.Connect(context.Background(), connector.KindLedger, nil)
	require.NoError(t, err)

	_, err = m.Connect(context.Background(), connector.KindFilsnap, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeConnector, code(err))

	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "f1ledgerholder", cur.Address)
	assert.Zero(t, ledger.DisconnectCount())
}

func TestConnectReplacesAndTearsDownPrevious(t *testing.T) {
	ledger := testutil.NewMockConnector(connector.KindLedger, "f1ledgerholder")
	snap := testutil.NewMockConnector(connector.KindFilsnap, "f1snap")
	m := newManager(t, ledger, snap)

	_, err := m.Connect(context.Background(), connector.KindLedger, nil)
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), connector.KindFilsnap, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, ledger.DisconnectCount())
	cur, _ := m.Current()
	assert.Equal(t, "f1snap", cur.Address)
	assert.Equal(t, account.RoleGuest, cur.Role)
}

func TestConcurrentConnectIsBusy(t *testing.T) {
	ledger := testutil.NewMockConnector(connector.KindLedger, "f1ledgerholder")
	ledger.ConnectGate = make(chan struct{})
	m := newManager(t, ledger)

	done := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), connector.KindLedger, nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return ledger.ConnectCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err := m.Connect(context.Background(), connector.KindLedger, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeSessionBusy, code(err))

	close(ledger.ConnectGate)
	require.NoError(t, <-done)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ledger := testutil.NewMockConnector(connector.KindLedger, "f1ledgerholder")
	ledger.DisconnectErr = stderrors.New("device gone")
	m := newManager(t, ledger)
	ctx := context.Background()

	require.NoError(t, m.Disconnect(ctx))

	_, err := m.Connect(ctx, connector.KindLedger, nil)
	require.NoError(t, err)
	require.NoError(t, m.Disconnect(ctx), "teardown errors are not surfaced")
	require.NoError(t, m.Disconnect(ctx))

	_, ok := m.Current()
	assert.False(t, ok)
	assert.Equal(t, 1, ledger.DisconnectCount())
}

func TestSignWithoutSessionNeverReachesDevice(t *testing.T) {
	ledger := testutil.NewMockConnector(connector.KindLedger, "f1ledgerholder")
	m := newManager(t, ledger)

	_, err := m.Sign(context.Background(), []byte("msg"))
	require.Error(t, err)
	assert.Equal(t, errors.CodeNoActiveSession, code(err))
	assert.Zero(t, ledger.SignCount())
}

func TestSignPassesMessage(t *testing.T) {
	ledger := testutil.NewMockConnector(connector.KindLedger, "f1ledgerholder")
	m := newManager(t, ledger)
	_, err := m.Connect(context.Background(), connector.KindLedger, nil)
	require.NoError(t, err)

	sig, err := m.Sign(context.Background(), []byte("msg"))
	require.NoError(t, err)
	assert.Len(t, sig.Data, 65)
	assert.Equal(t, []byte("msg"), ledger.LastSigned())
}

func TestSignErrorIsSigningError(t *testing.T) {
	ledger := testutil.NewMockConnector(connector.KindLedger, "f1ledgerholder")
	ledger.SignErr = stderrors.New("rejected on device")
	m := newManager(t, ledger)
	_, err := m.Connect(context.Background(), connector.KindLedger, nil)
	require.NoError(t, err)

	_, err = m.SignRaw(context.Background(), []byte("payload"))
	require.Error(t, err)
	assert.Equal(t, errors.CodeSigning, code(err))
}

func TestSecondSignForSameAccountIsBusy(t *testing.T) {
	ledger := testutil.NewMockConnector(connector.KindLedger, "f1ledgerholder")
	ledger.SignGate = make(chan struct{})
	ledger.SignStarted = make(chan struct{}, 2)
	m := newManager(t, ledger)
	_, err := m.Connect(context.Background(), connector.KindLedger, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Sign(context.Background(), []byte("first"))
		done <- err
	}()
	<-ledger.SignStarted

	_, err = m.Sign(context.Background(), []byte("second"))
	require.Error(t, err)
	assert.Equal(t, errors.CodeSessionBusy, code(err))

	close(ledger.SignGate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, ledger.SignCount())
}

func TestSignatureFromTornDownSessionIsDiscarded(t *testing.T) {
	ledger := testutil.NewMockConnector(connector.KindLedger, "f1ledgerholder")
	ledger.SignGate = make(chan struct{})
	ledger.SignStarted = make(chan struct{}, 1)
	m := newManager(t, ledger)
	ctx := context.Background()
	_, err := m.Connect(ctx, connector.KindLedger, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Sign(ctx, []byte("msg"))
		done <- err
	}()
	<-ledger.SignStarted

	require.NoError(t, m.Disconnect(ctx))
	close(ledger.SignGate)

	err = <-done
	require.Error(t, err)
	assert.Equal(t, errors.CodeNoActiveSession, code(err))
}

func TestWalletHandleIsBoundToSession(t *testing.T) {
	ledger := testutil.NewMockConnector(connector.KindLedger, "f1ledgerholder")
	m := newManager(t, ledger)
	ctx := context.Background()

	_, err := m.Wallet()
	require.Error(t, err)
	assert.Equal(t, errors.CodeWalletNotConnected, code(err))

	_, err = m.Connect(ctx, connector.KindLedger, nil)
	require.NoError(t, err)
	w, err := m.Wallet()
	require.NoError(t, err)
	assert.True(t, w.Active())

	pub, err := w.PublicKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.PubKey, pub)

	// A fresh connect invalidates the old handle.
	_, err = m.Connect(ctx, connector.KindLedger, nil)
	require.NoError(t, err)
	assert.False(t, w.Active())
	_, err = w.Sign(ctx, []byte("msg"))
	assert.Equal(t, errors.CodeNoActiveSession, code(err))
}

func TestWalletContractCaller(t *testing.T) {
	mm := testutil.NewMockConnector(connector.KindMetaMask, "0xabc")
	m := newManager(t, mm)
	_, err := m.Connect(context.Background(), connector.KindMetaMask, nil)
	require.NoError(t, err)

	w, err := m.Wallet()
	require.NoError(t, err)
	cc, ok := w.ContractCaller()
	require.True(t, ok)

	hash, err := cc.SendContractCall(context.Background(), connector.ContractCall{To: "0xdef", Data: []byte{1}})
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.Len(t, mm.ContractCalls(), 1)
}

func TestSubscribersSeeEveryTransition(t *testing.T) {
	ledger := testutil.NewMockConnector(connector.KindLedger, "f1ledgerholder")
	m := newManager(t, ledger)
	ctx := context.Background()

	events, cancel := m.Subscribe()
	defer cancel()

	first := <-events
	assert.Equal(t, EventDisconnected, first.Type)

	_, err := m.Connect(ctx, connector.KindLedger, nil)
	require.NoError(t, err)
	// Published before Connect returned.
	select {
	case ev := <-events:
		assert.Equal(t, EventConnected, ev.Type)
		assert.Equal(t, "f1ledgerholder", ev.Account.Address)
	default:
		t.Fatal("connected event not published")
	}

	require.NoError(t, m.Disconnect(ctx))
	ev := <-events
	assert.Equal(t, EventDisconnected, ev.Type)
	assert.Equal(t, account.RoleGuest, ev.Account.Role)
}

func TestSlowSubscriberKeepsLatest(t *testing.T) {
	ledger := testutil.NewMockConnector(connector.KindLedger, "f1ledgerholder")
	m := newManager(t, ledger)
	ctx := context.Background()

	events, cancel := m.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		_, err := m.Connect(ctx, connector.KindLedger, nil)
		require.NoError(t, err)
	}
	require.NoError(t, m.Disconnect(ctx))

	var last Event
	for len(events) > 0 {
		last = <-events
	}
	assert.Equal(t, EventDisconnected, last.Type)
}

func TestConcurrentReadersDuringTransitions(t *testing.T) {
	ledger := testutil.NewMockConnector(connector.KindLedger, "f1ledgerholder")
	m := newManager(t, ledger)
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if acct, ok := m.Current(); ok {
					assert.True(t, acct.IsConnected)
					assert.Equal(t, "f1ledgerholder", acct.Address)
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		_, _ = m.Connect(ctx, connector.KindLedger, nil)
		_ = m.Disconnect(ctx)
	}
	close(stop)
	wg.Wait()
}

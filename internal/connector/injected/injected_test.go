package injected

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/jsonrpc"
	"github.com/JAG-UK/rkh-frontend/pkg/testutil"
)

const eoa = "0x999999cf1046e68e36E1aA2E0E07105eDDD1f08E"

func newProvider(t *testing.T) *testutil.RPCServer {
	t.Helper()
	srv := testutil.NewRPCServer(map[string]testutil.RPCHandler{
		"eth_requestAccounts":      testutil.Result([]string{eoa}),
		"eth_accounts":             testutil.Result([]string{eoa}),
		"wallet_revokePermissions": testutil.Result(nil),
		"personal_sign":            testutil.Result("0x0102"),
	})
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectAdoptsProviderAccount(t *testing.T) {
	srv := newProvider(t)
	c, err := New(Config{ProviderURL: srv.URL})
	require.NoError(t, err)

	info, err := c.Connect(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "0x999999cf1046e68e36e1aa2e0e07105eddd1f08e", info.Address)

	_, err = c.Connect(context.Background(), 4)
	assert.Error(t, err)
}

func TestDisconnectRevokesOnce(t *testing.T) {
	srv := newProvider(t)
	c, err := New(Config{ProviderURL: srv.URL})
	require.NoError(t, err)
	_, err = c.Connect(context.Background(), 0)
	require.NoError(t, err)

	require.NoError(t, c.Disconnect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, 1, srv.CallCount("wallet_revokePermissions"))
}

func TestSignRawUsesPersonalSign(t *testing.T) {
	srv := newProvider(t)
	c, err := New(Config{ProviderURL: srv.URL})
	require.NoError(t, err)

	_, err = c.SignRaw(context.Background(), []byte("x"), 0)
	assert.Error(t, err, "not connected yet")

	_, err = c.Connect(context.Background(), 0)
	require.NoError(t, err)
	sig, err := c.SignRaw(context.Background(), []byte("x"), 0)
	require.NoError(t, err)
	assert.Equal(t, connector.SigTypeDelegated, sig.Type)
	assert.Equal(t, []byte{1, 2}, sig.Data)
}

func TestSendContractCall(t *testing.T) {
	srv := newProvider(t)
	var sent []map[string]string
	srv.Handle("eth_sendTransaction", func(params json.RawMessage) (any, *jsonrpc.Error) {
		_ = json.Unmarshal(params, &sent)
		return "0xhash", nil
	})

	c, err := New(Config{ProviderURL: srv.URL})
	require.NoError(t, err)
	_, err = c.Connect(context.Background(), 0)
	require.NoError(t, err)

	hash, err := c.SendContractCall(context.Background(), connector.ContractCall{
		To:    "0xB6F5d279AEad97dFA45209F3E53969c2EF43C21d",
		Data:  []byte{0xde, 0xad},
		Value: big.NewInt(255),
	})
	require.NoError(t, err)
	assert.Equal(t, "0xhash", hash)
	require.Len(t, sent, 1)
	assert.Equal(t, "0xdead", sent[0]["data"])
	assert.Equal(t, "0xff", sent[0]["value"])
}

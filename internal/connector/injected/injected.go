// Package injected connects to an externally owned account through an
// EIP-1193 provider exposed as JSON-RPC over HTTP.
package injected

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/jsonrpc"
)

// Config holds provider configuration.
type Config struct {
	ProviderURL string
	Timeout     time.Duration
}

// Connector is the injected-provider backend.
type Connector struct {
	rpc     *jsonrpc.Client
	signRPC *jsonrpc.Client

	mu      sync.Mutex
	account string
}

var (
	_ connector.Connector      = (*Connector)(nil)
	_ connector.ContractCaller = (*Connector)(nil)
)

// New creates an unconnected provider backend.
func New(cfg Config) (*Connector, error) {
	rpc, err := jsonrpc.NewClient(jsonrpc.Config{URL: cfg.ProviderURL, Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("injected provider: %w", err)
	}
	return &Connector{rpc: rpc, signRPC: rpc.WithoutTimeout()}, nil
}

// NewFactory returns a connector.Factory bound to cfg.
func NewFactory(cfg Config) connector.Factory {
	return func() (connector.Connector, error) {
		return New(cfg)
	}
}

func (c *Connector) Kind() connector.Kind { return connector.KindMetaMask }

// Connect runs the provider handshake and adopts the account at index.
func (c *Connector) Connect(ctx context.Context, index uint32) (connector.Info, error) {
	res, err := c.signRPC.CallResult(ctx, "eth_requestAccounts")
	if err != nil {
		return connector.Info{}, fmt.Errorf("request accounts: %w", err)
	}
	accounts := res.Array()
	if int(index) >= len(accounts) {
		return connector.Info{}, fmt.Errorf("provider exposes %d accounts, index %d requested", len(accounts), index)
	}

	addr := strings.ToLower(accounts[index].String())
	c.mu.Lock()
	c.account = addr
	c.mu.Unlock()
	return connector.Info{Address: addr, Index: index}, nil
}

// Disconnect revokes the account permission granted during Connect.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	had := c.account != ""
	c.account = ""
	c.mu.Unlock()
	if !had {
		return nil
	}

	_, err := c.rpc.Call(ctx, "wallet_revokePermissions", map[string]any{"eth_accounts": map[string]any{}})
	if err != nil {
		return fmt.Errorf("revoke permissions: %w", err)
	}
	return nil
}

// Sign asks the provider for a personal_sign over message.
func (c *Connector) Sign(ctx context.Context, message []byte, index uint32) (connector.Signature, error) {
	return c.SignRaw(ctx, message, index)
}

func (c *Connector) SignRaw(ctx context.Context, payload []byte, index uint32) (connector.Signature, error) {
	from, err := c.current()
	if err != nil {
		return connector.Signature{}, err
	}

	res, err := c.signRPC.CallResult(ctx, "personal_sign", "0x"+hex.EncodeToString(payload), from)
	if err != nil {
		return connector.Signature{}, err
	}
	sig, err := decodeHex(res)
	if err != nil {
		return connector.Signature{}, fmt.Errorf("personal_sign: %w", err)
	}
	return connector.Signature{Type: connector.SigTypeDelegated, Data: sig}, nil
}

func (c *Connector) Accounts(ctx context.Context) ([]string, error) {
	res, err := c.rpc.CallResult(ctx, "eth_accounts")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, a := range res.Array() {
		out = append(out, strings.ToLower(a.String()))
	}
	return out, nil
}

// PublicKey is not exposed by EIP-1193 providers; it returns nil.
func (c *Connector) PublicKey(ctx context.Context, index uint32) ([]byte, error) {
	return nil, nil
}

// SendContractCall submits an EVM transaction from the connected account and
// returns its hash.
func (c *Connector) SendContractCall(ctx context.Context, call connector.ContractCall) (string, error) {
	from, err := c.current()
	if err != nil {
		return "", err
	}

	tx := map[string]any{
		"from": from,
		"to":   call.To,
		"data": "0x" + hex.EncodeToString(call.Data),
	}
	if call.Value != nil && call.Value.Sign() > 0 {
		tx["value"] = "0x" + call.Value.Text(16)
	}

	res, err := c.signRPC.CallResult(ctx, "eth_sendTransaction", tx)
	if err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	if res.String() == "" {
		return "", fmt.Errorf("send transaction: provider returned no hash")
	}
	return res.String(), nil
}

func (c *Connector) current() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.account == "" {
		return "", fmt.Errorf("provider not connected")
	}
	return c.account, nil
}

func decodeHex(res gjson.Result) ([]byte, error) {
	s := strings.TrimPrefix(res.String(), "0x")
	if s == "" {
		return nil, fmt.Errorf("empty result")
	}
	return hex.DecodeString(s)
}

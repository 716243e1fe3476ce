// Package chain provides Filecoin node interaction for the verifier workflow.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/JAG-UK/rkh-frontend/internal/address"
	"github.com/JAG-UK/rkh-frontend/internal/jsonrpc"
)

// Client is a Lotus JSON-RPC client.
type Client struct {
	rpc     *jsonrpc.Client
	network address.Network
}

// Config holds client configuration.
type Config struct {
	RPCURL  string
	Token   string
	Testnet bool
	Timeout time.Duration
	// RateLimit caps outgoing calls per second. Zero uses the default.
	RateLimit float64
	Burst     int
}

const (
	defaultRateLimit = 10
	defaultBurst     = 5
)

// NewClient creates a new Lotus client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	limit := cfg.RateLimit
	if limit == 0 {
		limit = defaultRateLimit
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = defaultBurst
	}

	rpc, err := jsonrpc.NewClient(jsonrpc.Config{
		URL:       cfg.RPCURL,
		Token:     cfg.Token,
		Timeout:   timeout,
		RateLimit: limit,
		Burst:     burst,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		rpc:     rpc,
		network: address.NetworkFor(cfg.Testnet),
	}, nil
}

// Network returns the address network the client talks to.
func (c *Client) Network() address.Network {
	return c.network
}

// =============================================================================
// State Methods
// =============================================================================

// StateAccountKey resolves an actor to its public key address.
func (c *Client) StateAccountKey(ctx context.Context, addr string) (string, error) {
	res, err := c.rpc.CallResult(ctx, "Filecoin.StateAccountKey", addr, nil)
	if err != nil {
		return "", err
	}
	if res.Type != gjson.String {
		return "", fmt.Errorf("StateAccountKey: unexpected result %s", res.Raw)
	}
	return res.String(), nil
}

// StateLookupID resolves an address to its ID address.
func (c *Client) StateLookupID(ctx context.Context, addr string) (string, error) {
	res, err := c.rpc.CallResult(ctx, "Filecoin.StateLookupID", addr, nil)
	if err != nil {
		return "", err
	}
	if res.Type != gjson.String {
		return "", fmt.Errorf("StateLookupID: unexpected result %s", res.Raw)
	}
	return res.String(), nil
}

// =============================================================================
// Mempool Methods
// =============================================================================

// MpoolGetNonce returns the next nonce for addr, including pending messages.
func (c *Client) MpoolGetNonce(ctx context.Context, addr address.Address) (uint64, error) {
	res, err := c.rpc.CallResult(ctx, "Filecoin.MpoolGetNonce", addr.String())
	if err != nil {
		return 0, err
	}
	if !res.Exists() {
		return 0, fmt.Errorf("MpoolGetNonce: empty result")
	}
	return res.Uint(), nil
}

// GasEstimateMessageGas fills in the gas fields of msg.
func (c *Client) GasEstimateMessageGas(ctx context.Context, msg *Message) (*Message, error) {
	spec := map[string]string{"MaxFee": "0"}
	res, err := c.rpc.CallResult(ctx, "Filecoin.GasEstimateMessageGas", msg, spec, nil)
	if err != nil {
		return nil, err
	}

	out := *msg
	out.GasLimit = res.Get("GasLimit").Int()
	if out.GasFeeCap, err = parseBigInt(res.Get("GasFeeCap").String()); err != nil {
		return nil, fmt.Errorf("GasEstimateMessageGas: fee cap: %w", err)
	}
	if out.GasPremium, err = parseBigInt(res.Get("GasPremium").String()); err != nil {
		return nil, fmt.Errorf("GasEstimateMessageGas: premium: %w", err)
	}
	if out.GasLimit <= 0 {
		return nil, fmt.Errorf("GasEstimateMessageGas: invalid gas limit %d", out.GasLimit)
	}
	return &out, nil
}

// MpoolPush submits a signed message and returns its CID.
func (c *Client) MpoolPush(ctx context.Context, smsg *SignedMessage) (string, error) {
	raw, err := c.rpc.Call(ctx, "Filecoin.MpoolPush", smsg)
	if err != nil {
		return "", err
	}
	var out struct {
		Root string `json:"/"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("MpoolPush: %w", err)
	}
	if out.Root == "" {
		return "", fmt.Errorf("MpoolPush: empty cid")
	}
	return out.Root, nil
}

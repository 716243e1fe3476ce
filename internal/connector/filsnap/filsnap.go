// Package filsnap connects to the Filecoin browser-extension wallet through
// its local JSON-RPC bridge.
package filsnap

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/jsonrpc"
)

// Config holds extension bridge configuration.
type Config struct {
	BridgeURL string
	Testnet   bool
	Timeout   time.Duration
}

// Connector is the browser-extension backend. The extension exposes a
// single account at a time; the index picks its derivation path.
type Connector struct {
	rpc     *jsonrpc.Client
	signRPC *jsonrpc.Client
	testnet bool

	mu        sync.Mutex
	connected bool
	info      connector.Info
}

var _ connector.Connector = (*Connector)(nil)

// New creates an unconnected extension backend.
func New(cfg Config) (*Connector, error) {
	rpc, err := jsonrpc.NewClient(jsonrpc.Config{URL: cfg.BridgeURL, Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("extension bridge: %w", err)
	}
	return &Connector{rpc: rpc, signRPC: rpc.WithoutTimeout(), testnet: cfg.Testnet}, nil
}

// NewFactory returns a connector.Factory bound to cfg.
func NewFactory(cfg Config) connector.Factory {
	return func() (connector.Connector, error) {
		return New(cfg)
	}
}

func (c *Connector) Kind() connector.Kind { return connector.KindFilsnap }

func (c *Connector) network() string {
	if c.testnet {
		return "testnet"
	}
	return "mainnet"
}

// Connect configures the extension for the network and derivation path and
// reads back the active account.
func (c *Connector) Connect(ctx context.Context, index uint32) (connector.Info, error) {
	_, err := c.rpc.CallNamed(ctx, "fil_configure", map[string]interface{}{
		"network":        c.network(),
		"derivationPath": connector.DerivationPath(index, c.testnet),
	})
	if err != nil {
		return connector.Info{}, fmt.Errorf("configure extension: %w", err)
	}

	addr, err := c.rpc.CallResult(ctx, "fil_getAddress")
	if err != nil {
		return connector.Info{}, fmt.Errorf("read extension address: %w", err)
	}
	if addr.String() == "" {
		return connector.Info{}, fmt.Errorf("extension returned no address")
	}

	pub, err := c.fetchPublicKey(ctx)
	if err != nil {
		return connector.Info{}, err
	}

	info := connector.Info{Address: addr.String(), Index: index, PublicKey: pub}
	c.mu.Lock()
	c.connected = true
	c.info = info
	c.mu.Unlock()
	return info, nil
}

// Disconnect forgets the account. The extension keeps no per-client state.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.info = connector.Info{}
	return nil
}

func (c *Connector) Sign(ctx context.Context, message []byte, index uint32) (connector.Signature, error) {
	return c.sign(ctx, "fil_signMessage", message, index)
}

func (c *Connector) SignRaw(ctx context.Context, payload []byte, index uint32) (connector.Signature, error) {
	return c.sign(ctx, "fil_signMessageRaw", payload, index)
}

func (c *Connector) sign(ctx context.Context, method string, payload []byte, index uint32) (connector.Signature, error) {
	if err := c.checkIndex(index); err != nil {
		return connector.Signature{}, err
	}

	raw, err := c.signRPC.CallNamed(ctx, method, map[string]interface{}{
		"message": base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return connector.Signature{}, err
	}

	res := gjson.ParseBytes(raw)
	data := res.Get("signature.data")
	if !data.Exists() {
		return connector.Signature{}, fmt.Errorf("%s: response has no signature", method)
	}
	sig, err := base64.StdEncoding.DecodeString(data.String())
	if err != nil {
		return connector.Signature{}, fmt.Errorf("%s: decode signature: %w", method, err)
	}

	sigType := connector.SigTypeSecp256k1
	if t := res.Get("signature.type"); t.Exists() {
		sigType = connector.SignatureType(t.Uint())
	}
	return connector.Signature{Type: sigType, Data: sig}, nil
}

func (c *Connector) checkIndex(index uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("extension not connected")
	}
	if c.info.Index != index {
		return fmt.Errorf("extension is configured for account %d, not %d", c.info.Index, index)
	}
	return nil
}

func (c *Connector) Accounts(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("extension not connected")
	}
	return []string{c.info.Address}, nil
}

func (c *Connector) PublicKey(ctx context.Context, index uint32) ([]byte, error) {
	if err := c.checkIndex(index); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.info.PublicKey...), nil
}

func (c *Connector) fetchPublicKey(ctx context.Context) ([]byte, error) {
	res, err := c.rpc.CallResult(ctx, "fil_getPublicKey")
	if err != nil {
		return nil, fmt.Errorf("read extension public key: %w", err)
	}
	pub, err := hex.DecodeString(strings.TrimPrefix(res.String(), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode extension public key: %w", err)
	}
	return pub, nil
}

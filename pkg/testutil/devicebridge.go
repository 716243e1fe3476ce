package testutil

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gorilla/websocket"

	"github.com/JAG-UK/rkh-frontend/internal/address"
	"github.com/JAG-UK/rkh-frontend/internal/filcrypto"
)

// DeviceBridge emulates the hardware device bridge. Keys are derived from the
// derivation path so every path maps to a stable secp256k1 account.
type DeviceBridge struct {
	*httptest.Server

	network  address.Network
	upgrader websocket.Upgrader

	signs    atomic.Int64
	appOpen  atomic.Bool
	hold     chan struct{}
	holdMu   sync.Mutex
	received chan string
	reject   atomic.Bool
}

// NewDeviceBridge starts an emulator. Close it when done.
func NewDeviceBridge(network address.Network) *DeviceBridge {
	d := &DeviceBridge{
		network:  network,
		received: make(chan string, 64),
	}
	d.appOpen.Store(true)
	d.Server = httptest.NewServer(http.HandlerFunc(d.serve))
	return d
}

// URL returns the ws:// endpoint.
func (d *DeviceBridge) URL() string {
	return "ws" + strings.TrimPrefix(d.Server.URL, "http")
}

// SignCount reports how many sign requests reached the device.
func (d *DeviceBridge) SignCount() int64 { return d.signs.Load() }

// SetAppOpen toggles whether the signing app answers "open".
func (d *DeviceBridge) SetAppOpen(open bool) { d.appOpen.Store(open) }

// RejectSigns makes the device refuse every signature.
func (d *DeviceBridge) RejectSigns(reject bool) { d.reject.Store(reject) }

// HoldSigns blocks sign replies until the returned release func is called.
func (d *DeviceBridge) HoldSigns() (release func()) {
	d.holdMu.Lock()
	defer d.holdMu.Unlock()
	ch := make(chan struct{})
	d.hold = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			d.holdMu.Lock()
			d.hold = nil
			d.holdMu.Unlock()
			close(ch)
		})
	}
}

// Received yields the method name of every request the device receives.
func (d *DeviceBridge) Received() <-chan string { return d.received }

// Key returns the private key for path.
func (d *DeviceBridge) Key(path string) *secp256k1.PrivateKey {
	return filcrypto.KeyFromSeed([]byte(path))
}

// Address returns the account address for path.
func (d *DeviceBridge) Address(path string) string {
	addr, err := address.NewSecp256k1(d.network, d.Key(path).PubKey().SerializeUncompressed())
	if err != nil {
		panic(err)
	}
	return addr.String()
}

type bridgeFrame struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (d *DeviceBridge) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	reply := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteJSON(v)
	}

	for {
		var req bridgeFrame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		select {
		case d.received <- req.Method:
		default:
		}

		switch req.Method {
		case "sign", "signRaw":
			d.signs.Add(1)
			d.holdMu.Lock()
			hold := d.hold
			d.holdMu.Unlock()
			go func(req bridgeFrame) {
				if hold != nil {
					<-hold
				}
				reply(d.handle(req))
			}(req)
		default:
			reply(d.handle(req))
		}
	}
}

func (d *DeviceBridge) handle(req bridgeFrame) map[string]any {
	fail := func(code int, msg string) map[string]any {
		return map[string]any{"id": req.ID, "error": map[string]any{"code": code, "message": msg}}
	}
	ok := func(result any) map[string]any {
		return map[string]any{"id": req.ID, "result": result}
	}

	var params struct {
		Path    string `json:"path"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(req.Params, &params)

	switch req.Method {
	case "open":
		if !d.appOpen.Load() {
			return fail(0x6e01, "signing app is not open")
		}
		return ok(map[string]any{"version": "0.24.1"})

	case "getAddress":
		key := d.Key(params.Path)
		return ok(map[string]any{
			"address":   d.Address(params.Path),
			"publicKey": hex.EncodeToString(key.PubKey().SerializeUncompressed()),
		})

	case "sign", "signRaw":
		if d.reject.Load() {
			return fail(0x6986, "transaction rejected")
		}
		payload, err := base64.StdEncoding.DecodeString(params.Message)
		if err != nil {
			return fail(-1, err.Error())
		}
		digest := filcrypto.RawDigest(payload)
		if req.Method == "sign" {
			if digest, err = filcrypto.SigningDigest(payload); err != nil {
				return fail(-1, err.Error())
			}
		}
		sig := filcrypto.SignSecp256k1(d.Key(params.Path), digest)
		return ok(map[string]any{"signature": base64.StdEncoding.EncodeToString(sig)})
	}

	return fail(-32601, fmt.Sprintf("unknown method %s", req.Method))
}

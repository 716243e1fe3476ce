// Package connector defines the capability every signing backend exposes.
//
// A Connector owns whatever transport it needs (device bridge socket,
// extension RPC, injected provider) and is driven exclusively by the session
// manager. Implementations are not required to be safe for concurrent
// Connect/Disconnect; Sign may be called concurrently for different
// account indices.
package connector

import (
	"context"
	"fmt"
	"math/big"

	"github.com/JAG-UK/rkh-frontend/internal/domain/account"
)

// Kind tags a backend.
type Kind = account.ConnectorKind

const (
	KindLedger   = account.KindLedger
	KindFilsnap  = account.KindFilsnap
	KindMetaMask = account.KindMetaMask
)

// ParseKind validates a backend name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLedger, KindFilsnap, KindMetaMask:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown connector %q", s)
}

const (
	coinTypeMainnet = 461
	coinTypeTestnet = 1
)

// DerivationPath returns the BIP-44 path of the account at index.
func DerivationPath(index uint32, testnet bool) string {
	coin := coinTypeMainnet
	if testnet {
		coin = coinTypeTestnet
	}
	return fmt.Sprintf("m/44'/%d'/0'/0/%d", coin, index)
}

// SignatureType mirrors the chain's signature type byte.
type SignatureType byte

const (
	SigTypeSecp256k1 SignatureType = 1
	SigTypeBLS       SignatureType = 2
	SigTypeDelegated SignatureType = 3
)

func (t SignatureType) String() string {
	switch t {
	case SigTypeSecp256k1:
		return "secp256k1"
	case SigTypeBLS:
		return "bls"
	case SigTypeDelegated:
		return "delegated"
	}
	return fmt.Sprintf("sigtype(%d)", byte(t))
}

// Signature is a backend-produced signature.
type Signature struct {
	Type SignatureType `json:"type"`
	Data []byte        `json:"data"`
}

// Info describes the account a backend handed out on Connect.
type Info struct {
	Address   string
	Index     uint32
	PublicKey []byte
}

// Connector is a signing backend.
type Connector interface {
	Kind() Kind

	// Connect pairs with the backend and selects the account at index.
	Connect(ctx context.Context, index uint32) (Info, error)

	// Disconnect releases the backend. Calling it twice is harmless.
	Disconnect(ctx context.Context) error

	// Sign signs a serialized chain message with the key at index.
	Sign(ctx context.Context, message []byte, index uint32) (Signature, error)

	// SignRaw signs an arbitrary off-chain payload (reviewer attestations).
	SignRaw(ctx context.Context, payload []byte, index uint32) (Signature, error)

	Accounts(ctx context.Context) ([]string, error)
	PublicKey(ctx context.Context, index uint32) ([]byte, error)
}

// ContractCall is an EVM contract write.
type ContractCall struct {
	To    string
	Data  []byte
	Value *big.Int
}

// ContractCaller is implemented by backends that can submit EVM
// transactions on their own.
type ContractCaller interface {
	SendContractCall(ctx context.Context, call ContractCall) (string, error)
}

// Factory builds a fresh, unconnected backend.
type Factory func() (Connector, error)

// Signer is a wallet bound to one account, as handed to workflows.
type Signer interface {
	Account() account.Account
	Sign(ctx context.Context, message []byte) (Signature, error)
	SignRaw(ctx context.Context, payload []byte) (Signature, error)
	PublicKey(ctx context.Context) ([]byte, error)
	ContractCaller() (ContractCaller, bool)
}

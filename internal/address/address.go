// Package address parses and renders Filecoin addresses and the 0x form used
// by EVM accounts.
package address

import (
	"bytes"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Network is the leading character of an address string.
type Network byte

const (
	Mainnet Network = 'f'
	Testnet Network = 't'
)

// NetworkFor maps the testnet flag to a network prefix.
func NetworkFor(testnet bool) Network {
	if testnet {
		return Testnet
	}
	return Mainnet
}

// Protocol is the address class.
type Protocol byte

const (
	ID        Protocol = 0
	SECP256K1 Protocol = 1
	Actor     Protocol = 2
	BLS       Protocol = 3
	Delegated Protocol = 4
)

const (
	// CanonicalMinLength is the shortest string treated as an already
	// resolved actor identifier. Shorter strings are ID addresses that must be
	// resolved to their key address before use.
	CanonicalMinLength = 12

	// EAMNamespace is the delegated namespace of EVM accounts.
	EAMNamespace = 10

	payloadHashLength = 20
	blsPublicKeyBytes = 48
	checksumLength    = 4
	ethAddressLength  = 20
)

var (
	ErrUnknownNetwork  = errors.New("address: unknown network")
	ErrUnknownProtocol = errors.New("address: unknown protocol")
	ErrInvalidPayload  = errors.New("address: invalid payload")
	ErrInvalidChecksum = errors.New("address: invalid checksum")
	ErrInvalidLength   = errors.New("address: invalid length")
)

var encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// Address is a parsed address. The zero value is not valid.
type Address struct {
	network  Network
	protocol Protocol
	payload  []byte
}

// NeedsResolution reports whether s is a short-form address that has to be
// resolved through the chain before it can be used as a verifier identifier.
func NeedsResolution(s string) bool {
	return len(s) < CanonicalMinLength
}

// IsEthereum reports whether s looks like a 0x-prefixed EVM address.
func IsEthereum(s string) bool {
	if len(s) != 2+2*ethAddressLength || !strings.HasPrefix(strings.ToLower(s), "0x") {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

// Parse decodes a Filecoin address string or a 0x EVM address. EVM addresses
// become delegated addresses in the EAM namespace on mainnet; use
// ParseOnNetwork to pin the network.
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if IsEthereum(s) {
		raw, _ := hex.DecodeString(s[2:])
		return NewDelegated(Mainnet, EAMNamespace, raw)
	}
	if len(s) < 3 {
		return Address{}, ErrInvalidLength
	}

	network := Network(s[0])
	if network != Mainnet && network != Testnet {
		return Address{}, ErrUnknownNetwork
	}

	protoDigit, err := strconv.Atoi(s[1:2])
	if err != nil {
		return Address{}, ErrUnknownProtocol
	}
	protocol := Protocol(protoDigit)
	raw := s[2:]

	switch protocol {
	case ID:
		id, err := strconv.ParseUint(raw, 10, 63)
		if err != nil {
			return Address{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return NewID(network, id), nil

	case SECP256K1, Actor, BLS:
		decoded, err := encoding.DecodeString(raw)
		if err != nil {
			return Address{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if len(decoded) < checksumLength {
			return Address{}, ErrInvalidLength
		}
		payload := decoded[:len(decoded)-checksumLength]
		want := payloadLength(protocol)
		if len(payload) != want {
			return Address{}, ErrInvalidLength
		}
		addr := Address{network: network, protocol: protocol, payload: payload}
		if !bytes.Equal(decoded[len(payload):], addr.checksum()) {
			return Address{}, ErrInvalidChecksum
		}
		return addr, nil

	case Delegated:
		nsPart, subPart, ok := strings.Cut(raw, "f")
		if !ok {
			return Address{}, ErrInvalidPayload
		}
		ns, err := strconv.ParseUint(nsPart, 10, 63)
		if err != nil {
			return Address{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		decoded, err := encoding.DecodeString(subPart)
		if err != nil {
			return Address{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if len(decoded) < checksumLength {
			return Address{}, ErrInvalidLength
		}
		addr, err := NewDelegated(network, ns, decoded[:len(decoded)-checksumLength])
		if err != nil {
			return Address{}, err
		}
		if !bytes.Equal(decoded[len(decoded)-checksumLength:], addr.checksum()) {
			return Address{}, ErrInvalidChecksum
		}
		return addr, nil
	}

	return Address{}, ErrUnknownProtocol
}

// ParseOnNetwork is Parse with a network constraint. EVM addresses adopt the
// requested network.
func ParseOnNetwork(s string, network Network) (Address, error) {
	addr, err := Parse(s)
	if err != nil {
		return Address{}, err
	}
	if IsEthereum(strings.TrimSpace(s)) {
		addr.network = network
		return addr, nil
	}
	if addr.network != network {
		return Address{}, fmt.Errorf("%w: %q is not a %c-network address", ErrUnknownNetwork, s, network)
	}
	return addr, nil
}

// NewID builds an ID address.
func NewID(network Network, id uint64) Address {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, id)
	return Address{network: network, protocol: ID, payload: buf[:n]}
}

// NewSecp256k1 builds a key address from an uncompressed public key.
func NewSecp256k1(network Network, pubkey []byte) (Address, error) {
	if len(pubkey) != 65 {
		return Address{}, fmt.Errorf("%w: secp256k1 public key must be 65 bytes uncompressed", ErrInvalidPayload)
	}
	h, err := blake2b.New(payloadHashLength, nil)
	if err != nil {
		return Address{}, err
	}
	h.Write(pubkey)
	return Address{network: network, protocol: SECP256K1, payload: h.Sum(nil)}, nil
}

// NewDelegated builds a delegated (f4) address.
func NewDelegated(network Network, namespace uint64, subaddress []byte) (Address, error) {
	if len(subaddress) == 0 || len(subaddress) > 54 {
		return Address{}, fmt.Errorf("%w: delegated subaddress length %d", ErrInvalidPayload, len(subaddress))
	}
	buf := make([]byte, binary.MaxVarintLen64, binary.MaxVarintLen64+len(subaddress))
	n := binary.PutUvarint(buf, namespace)
	payload := append(buf[:n], subaddress...)
	return Address{network: network, protocol: Delegated, payload: payload}, nil
}

// FromBytes decodes the binary form produced by Bytes.
func FromBytes(network Network, b []byte) (Address, error) {
	if len(b) < 2 {
		return Address{}, ErrInvalidLength
	}
	protocol := Protocol(b[0])
	payload := append([]byte(nil), b[1:]...)
	switch protocol {
	case ID:
		if _, n := binary.Uvarint(payload); n != len(payload) {
			return Address{}, ErrInvalidPayload
		}
	case SECP256K1, Actor, BLS:
		if len(payload) != payloadLength(protocol) {
			return Address{}, ErrInvalidLength
		}
	case Delegated:
		if _, n := binary.Uvarint(payload); n <= 0 || n == len(payload) {
			return Address{}, ErrInvalidPayload
		}
	default:
		return Address{}, ErrUnknownProtocol
	}
	return Address{network: network, protocol: protocol, payload: payload}, nil
}

func (a Address) Protocol() Protocol { return a.protocol }

func (a Address) Network() Network { return a.network }

// Empty reports whether a is the zero value.
func (a Address) Empty() bool { return len(a.payload) == 0 }

// Bytes is the on-chain binary form: protocol byte followed by the payload.
func (a Address) Bytes() []byte {
	out := make([]byte, 0, 1+len(a.payload))
	out = append(out, byte(a.protocol))
	return append(out, a.payload...)
}

// ID returns the actor id of an ID address.
func (a Address) ID() (uint64, bool) {
	if a.protocol != ID {
		return 0, false
	}
	id, n := binary.Uvarint(a.payload)
	return id, n > 0
}

// Equal compares protocol and payload; the network prefix is ignored.
func (a Address) Equal(b Address) bool {
	return a.protocol == b.protocol && bytes.Equal(a.payload, b.payload)
}

func (a Address) String() string {
	if a.Empty() {
		return "<empty>"
	}
	prefix := string([]byte{byte(a.network), '0' + byte(a.protocol)})

	switch a.protocol {
	case ID:
		id, _ := binary.Uvarint(a.payload)
		return prefix + strconv.FormatUint(id, 10)
	case Delegated:
		ns, n := binary.Uvarint(a.payload)
		sub := append(append([]byte(nil), a.payload[n:]...), a.checksum()...)
		return prefix + strconv.FormatUint(ns, 10) + "f" + encoding.EncodeToString(sub)
	default:
		return prefix + encoding.EncodeToString(append(append([]byte(nil), a.payload...), a.checksum()...))
	}
}

// EthereumString returns the 0x form of an EAM delegated address.
func (a Address) EthereumString() (string, bool) {
	if a.protocol != Delegated {
		return "", false
	}
	ns, n := binary.Uvarint(a.payload)
	if ns != EAMNamespace || len(a.payload[n:]) != ethAddressLength {
		return "", false
	}
	return "0x" + hex.EncodeToString(a.payload[n:]), true
}

func (a Address) checksum() []byte {
	h, _ := blake2b.New(checksumLength, nil)
	h.Write(a.Bytes())
	return h.Sum(nil)
}

func payloadLength(p Protocol) int {
	if p == BLS {
		return blsPublicKeyBytes
	}
	return payloadHashLength
}

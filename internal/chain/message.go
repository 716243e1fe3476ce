package chain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"

	"github.com/JAG-UK/rkh-frontend/internal/address"
	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/filcrypto"
)

// encMode writes nil byte slices as empty byte strings, which is what the
// chain expects for empty params and zero-valued big integers.
var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{NilContainers: cbor.NilContainerAsEmpty}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Message is an unsigned chain message.
type Message struct {
	Version    uint64
	To         address.Address
	From       address.Address
	Nonce      uint64
	Value      *big.Int
	GasLimit   int64
	GasFeeCap  *big.Int
	GasPremium *big.Int
	Method     uint64
	Params     []byte
}

type cborMessage struct {
	_          struct{} `cbor:",toarray"`
	Version    uint64
	To         []byte
	From       []byte
	Nonce      uint64
	Value      []byte
	GasLimit   int64
	GasFeeCap  []byte
	GasPremium []byte
	Method     uint64
	Params     []byte
}

type jsonMessage struct {
	Version    uint64
	To         string
	From       string
	Nonce      uint64
	Value      string
	GasLimit   int64
	GasFeeCap  string
	GasPremium string
	Method     uint64
	Params     []byte
}

// Serialize returns the canonical CBOR encoding that is hashed and signed.
func (m *Message) Serialize() ([]byte, error) {
	return encMode.Marshal(cborMessage{
		Version:    m.Version,
		To:         m.To.Bytes(),
		From:       m.From.Bytes(),
		Nonce:      m.Nonce,
		Value:      EncodeBigInt(m.Value),
		GasLimit:   m.GasLimit,
		GasFeeCap:  EncodeBigInt(m.GasFeeCap),
		GasPremium: EncodeBigInt(m.GasPremium),
		Method:     m.Method,
		Params:     m.Params,
	})
}

// CID returns the content identifier of the unsigned message.
func (m *Message) CID() (string, error) {
	raw, err := m.Serialize()
	if err != nil {
		return "", err
	}
	c, err := filcrypto.MessageCID(raw)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonMessage{
		Version:    m.Version,
		To:         m.To.String(),
		From:       m.From.String(),
		Nonce:      m.Nonce,
		Value:      bigString(m.Value),
		GasLimit:   m.GasLimit,
		GasFeeCap:  bigString(m.GasFeeCap),
		GasPremium: bigString(m.GasPremium),
		Method:     m.Method,
		Params:     m.Params,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var jm jsonMessage
	if err := json.Unmarshal(data, &jm); err != nil {
		return err
	}
	to, err := address.Parse(jm.To)
	if err != nil {
		return fmt.Errorf("to: %w", err)
	}
	from, err := address.Parse(jm.From)
	if err != nil {
		return fmt.Errorf("from: %w", err)
	}
	out := Message{
		Version:  jm.Version,
		To:       to,
		From:     from,
		Nonce:    jm.Nonce,
		GasLimit: jm.GasLimit,
		Method:   jm.Method,
		Params:   jm.Params,
	}
	if out.Value, err = parseBigInt(jm.Value); err != nil {
		return fmt.Errorf("value: %w", err)
	}
	if out.GasFeeCap, err = parseBigInt(jm.GasFeeCap); err != nil {
		return fmt.Errorf("gas fee cap: %w", err)
	}
	if out.GasPremium, err = parseBigInt(jm.GasPremium); err != nil {
		return fmt.Errorf("gas premium: %w", err)
	}
	*m = out
	return nil
}

// SignedMessage is a message together with its sender's signature.
type SignedMessage struct {
	Message   *Message
	Signature connector.Signature
}

type jsonSignature struct {
	Type connector.SignatureType
	Data []byte
}

func (s *SignedMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Message   *Message
		Signature jsonSignature
	}{
		Message:   s.Message,
		Signature: jsonSignature{Type: s.Signature.Type, Data: s.Signature.Data},
	})
}

// Serialize returns the CBOR encoding of the signed message. The signature
// is its type byte followed by the signature data.
func (s *SignedMessage) Serialize() ([]byte, error) {
	msg, err := s.Message.Serialize()
	if err != nil {
		return nil, err
	}
	sig := append([]byte{byte(s.Signature.Type)}, s.Signature.Data...)
	return encMode.Marshal([]interface{}{cbor.RawMessage(msg), sig})
}

// =============================================================================
// Big integers
// =============================================================================

// EncodeBigInt returns the chain's byte encoding of v: empty for zero,
// otherwise a sign byte followed by the big-endian magnitude.
func EncodeBigInt(v *big.Int) []byte {
	if v == nil || v.Sign() == 0 {
		return []byte{}
	}
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	return append([]byte{sign}, v.Bytes()...)
}

// DecodeBigInt reverses EncodeBigInt.
func DecodeBigInt(b []byte) (*big.Int, error) {
	if len(b) == 0 {
		return new(big.Int), nil
	}
	v := new(big.Int).SetBytes(b[1:])
	switch b[0] {
	case 0:
	case 1:
		v.Neg(v)
	default:
		return nil, fmt.Errorf("invalid big int sign byte %d", b[0])
	}
	return v, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBigInt(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

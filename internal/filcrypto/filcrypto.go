// Package filcrypto holds the hashing and secp256k1 primitives used to sign
// and check chain messages.
package filcrypto

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"golang.org/x/crypto/blake2b"

	"github.com/JAG-UK/rkh-frontend/internal/address"
)

// SignatureLength is the size of a recoverable secp256k1 signature
// laid out as r || s || v.
const SignatureLength = 65

var messagePrefix = cid.V1Builder{Codec: cid.DagCBOR, MhType: multihash.BLAKE2B_MIN + 31}

// MessageCID returns the content identifier of a serialized message.
func MessageCID(serialized []byte) (cid.Cid, error) {
	c, err := messagePrefix.Sum(serialized)
	if err != nil {
		return cid.Undef, fmt.Errorf("message cid: %w", err)
	}
	return c, nil
}

// SigningDigest is the 32-byte value a key signs for a serialized message:
// blake2b-256 of the message CID bytes.
func SigningDigest(serialized []byte) ([]byte, error) {
	c, err := MessageCID(serialized)
	if err != nil {
		return nil, err
	}
	sum := blake2b.Sum256(c.Bytes())
	return sum[:], nil
}

// RawDigest is the digest signed for off-chain payloads.
func RawDigest(payload []byte) []byte {
	sum := blake2b.Sum256(payload)
	return sum[:]
}

// SignSecp256k1 signs digest and returns r || s || v.
func SignSecp256k1(key *secp256k1.PrivateKey, digest []byte) []byte {
	compact := ecdsa.SignCompact(key, digest, false)
	out := make([]byte, SignatureLength)
	copy(out, compact[1:])
	out[64] = compact[0] - 27
	return out
}

// RecoverSecp256k1 returns the uncompressed public key that produced sig over
// digest.
func RecoverSecp256k1(digest, sig []byte) ([]byte, error) {
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("signature is %d bytes, want %d", len(sig), SignatureLength)
	}
	if sig[64] > 3 {
		return nil, fmt.Errorf("invalid recovery id %d", sig[64])
	}
	compact := make([]byte, SignatureLength)
	compact[0] = sig[64] + 27
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return nil, fmt.Errorf("recover public key: %w", err)
	}
	return pub.SerializeUncompressed(), nil
}

// VerifySecp256k1 checks that sig over digest was produced by the key behind
// signer.
func VerifySecp256k1(signer address.Address, digest, sig []byte) error {
	if signer.Protocol() != address.SECP256K1 {
		return fmt.Errorf("signer %s is not a secp256k1 address", signer)
	}
	pub, err := RecoverSecp256k1(digest, sig)
	if err != nil {
		return err
	}
	recovered, err := address.NewSecp256k1(signer.Network(), pub)
	if err != nil {
		return err
	}
	if !recovered.Equal(signer) {
		return fmt.Errorf("signature was made by %s, not %s", recovered, signer)
	}
	return nil
}

// KeyFromSeed derives a deterministic private key. Used by device emulators.
func KeyFromSeed(seed []byte) *secp256k1.PrivateKey {
	sum := blake2b.Sum256(seed)
	return secp256k1.PrivKeyFromBytes(sum[:])
}

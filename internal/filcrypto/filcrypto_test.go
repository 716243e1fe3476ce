package filcrypto

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JAG-UK/rkh-frontend/internal/address"
)

func TestMessageCIDPrefix(t *testing.T) {
	c, err := MessageCID([]byte{0x80})
	require.NoError(t, err)
	assert.Equal(t, uint64(cid.DagCBOR), c.Prefix().Codec)
	assert.Equal(t, uint64(1), c.Prefix().Version)
	assert.Equal(t, 32, c.Prefix().MhLength)
}

func TestSignAndVerify(t *testing.T) {
	key := KeyFromSeed([]byte("device-0"))
	signer, err := address.NewSecp256k1(address.Testnet, key.PubKey().SerializeUncompressed())
	require.NoError(t, err)

	digest, err := SigningDigest([]byte("serialized message"))
	require.NoError(t, err)

	sig := SignSecp256k1(key, digest)
	require.Len(t, sig, SignatureLength)
	require.NoError(t, VerifySecp256k1(signer, digest, sig))

	other := KeyFromSeed([]byte("device-1"))
	otherAddr, err := address.NewSecp256k1(address.Testnet, other.PubKey().SerializeUncompressed())
	require.NoError(t, err)
	assert.Error(t, VerifySecp256k1(otherAddr, digest, sig))
}

func TestVerifyRejectsTamperedDigest(t *testing.T) {
	key := KeyFromSeed([]byte("device-0"))
	signer, err := address.NewSecp256k1(address.Mainnet, key.PubKey().SerializeUncompressed())
	require.NoError(t, err)

	sig := SignSecp256k1(key, RawDigest([]byte("KYC Override for app-1")))
	assert.Error(t, VerifySecp256k1(signer, RawDigest([]byte("KYC Revoke for app-1")), sig))
}

func TestRecoverRejectsBadInput(t *testing.T) {
	_, err := RecoverSecp256k1(make([]byte, 32), make([]byte, 64))
	assert.Error(t, err)

	bad := make([]byte, SignatureLength)
	bad[64] = 9
	_, err = RecoverSecp256k1(make([]byte, 32), bad)
	assert.Error(t, err)
}

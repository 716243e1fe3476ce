package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/JAG-UK/rkh-frontend/internal/address"
	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/filcrypto"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
)

// VerifierAPI builds, signs and pushes root key holder multisig messages that
// add verifiers to the verified registry.
type VerifierAPI struct {
	client   *Client
	rootKey  address.Address
	registry address.Address
	logger   *logging.Logger
}

// NewVerifierAPI creates a verifier API over client.
func NewVerifierAPI(client *Client, logger *logging.Logger) *VerifierAPI {
	if logger == nil {
		logger = logging.NewDefault("chain")
	}
	n := client.Network()
	return &VerifierAPI{
		client:   client,
		rootKey:  address.NewID(n, RootKeyHolderActorID),
		registry: address.NewID(n, VerifiedRegistryActorID),
		logger:   logger,
	}
}

// ActorKey resolves a short actor address to its key address.
func (v *VerifierAPI) ActorKey(ctx context.Context, addr string) (string, error) {
	key, err := v.client.StateAccountKey(ctx, addr)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", addr, err)
	}
	return key, nil
}

// ProposeVerifier proposes, on the root key holder multisig, an AddVerifier
// call granting allowance to verifier. It returns the pushed message CID.
func (v *VerifierAPI) ProposeVerifier(ctx context.Context, signer connector.Signer, verifier string, allowance *big.Int) (string, error) {
	inner, err := v.addVerifierParams(verifier, allowance)
	if err != nil {
		return "", err
	}
	params, err := EncodePropose(v.registry, nil, MethodAddVerifier, inner)
	if err != nil {
		return "", fmt.Errorf("encode proposal: %w", err)
	}
	return v.submit(ctx, signer, MethodMultisigPropose, params)
}

// ApproveVerifier approves pending multisig transaction txID, which must be
// the AddVerifier proposal for the same verifier and allowance made by
// proposer.
func (v *VerifierAPI) ApproveVerifier(ctx context.Context, signer connector.Signer, verifier string, allowance *big.Int, proposer string, txID uint64) (string, error) {
	inner, err := v.addVerifierParams(verifier, allowance)
	if err != nil {
		return "", err
	}

	requester, err := v.idAddress(ctx, proposer)
	if err != nil {
		return "", err
	}
	hash, err := ProposalHash(requester, v.registry, nil, MethodAddVerifier, inner)
	if err != nil {
		return "", fmt.Errorf("proposal hash: %w", err)
	}
	params, err := EncodeApprove(txID, hash)
	if err != nil {
		return "", fmt.Errorf("encode approval: %w", err)
	}
	return v.submit(ctx, signer, MethodMultisigApprove, params)
}

func (v *VerifierAPI) addVerifierParams(verifier string, allowance *big.Int) ([]byte, error) {
	addr, err := address.ParseOnNetwork(verifier, v.client.Network())
	if err != nil {
		return nil, fmt.Errorf("verifier address: %w", err)
	}
	return EncodeAddVerifier(addr, allowance)
}

func (v *VerifierAPI) idAddress(ctx context.Context, s string) (address.Address, error) {
	addr, err := address.ParseOnNetwork(s, v.client.Network())
	if err != nil {
		return address.Address{}, fmt.Errorf("proposer address: %w", err)
	}
	if addr.Protocol() == address.ID {
		return addr, nil
	}
	id, err := v.client.StateLookupID(ctx, addr.String())
	if err != nil {
		return address.Address{}, fmt.Errorf("lookup id of %s: %w", s, err)
	}
	return address.ParseOnNetwork(id, v.client.Network())
}

// submit sends a message to the root key holder multisig from the signer's
// account.
func (v *VerifierAPI) submit(ctx context.Context, signer connector.Signer, method uint64, params []byte) (string, error) {
	acct := signer.Account()
	from, err := address.ParseOnNetwork(acct.Address, v.client.Network())
	if err != nil {
		return "", fmt.Errorf("sender address: %w", err)
	}

	nonce, err := v.client.MpoolGetNonce(ctx, from)
	if err != nil {
		return "", fmt.Errorf("get nonce: %w", err)
	}

	msg, err := v.client.GasEstimateMessageGas(ctx, &Message{
		To:     v.rootKey,
		From:   from,
		Nonce:  nonce,
		Value:  new(big.Int),
		Method: method,
		Params: params,
	})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}

	raw, err := msg.Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize message: %w", err)
	}

	sig, err := signer.Sign(ctx, raw)
	if err != nil {
		return "", err
	}
	if err := verifySignature(from, raw, sig); err != nil {
		return "", err
	}

	cid, err := v.client.MpoolPush(ctx, &SignedMessage{Message: msg, Signature: sig})
	if err != nil {
		return "", fmt.Errorf("push message: %w", err)
	}

	v.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"from":   from.String(),
		"method": method,
		"nonce":  nonce,
		"cid":    cid,
	}).Info("message pushed")
	return cid, nil
}

// verifySignature checks secp256k1 signatures locally so a wrong key on the
// device is caught before the node rejects the message.
func verifySignature(from address.Address, serialized []byte, sig connector.Signature) error {
	if sig.Type != connector.SigTypeSecp256k1 || from.Protocol() != address.SECP256K1 {
		return nil
	}
	digest, err := filcrypto.SigningDigest(serialized)
	if err != nil {
		return err
	}
	if err := filcrypto.VerifySecp256k1(from, digest, sig.Data); err != nil {
		return fmt.Errorf("signature check: %w", err)
	}
	return nil
}

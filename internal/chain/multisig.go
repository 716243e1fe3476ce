package chain

import (
	"fmt"
	"math/big"

	"golang.org/x/crypto/blake2b"

	"github.com/JAG-UK/rkh-frontend/internal/address"
)

// Built-in actors and method numbers used by the verifier workflow.
const (
	VerifiedRegistryActorID = 6
	RootKeyHolderActorID    = 80

	MethodAddVerifier = 2

	MethodMultisigPropose = 2
	MethodMultisigApprove = 3
)

// AddVerifierParams are the verified registry parameters granting an
// allowance to a verifier.
type AddVerifierParams struct {
	_         struct{} `cbor:",toarray"`
	Address   []byte
	Allowance []byte
}

// ProposeParams wrap an inner call in a multisig proposal.
type ProposeParams struct {
	_      struct{} `cbor:",toarray"`
	To     []byte
	Value  []byte
	Method uint64
	Params []byte
}

// ApproveParams approve a pending multisig transaction.
type ApproveParams struct {
	_            struct{} `cbor:",toarray"`
	ID           int64
	ProposalHash []byte
}

type proposalHashData struct {
	_         struct{} `cbor:",toarray"`
	Requester []byte
	To        []byte
	Value     []byte
	Method    uint64
	Params    []byte
}

// EncodeAddVerifier serializes AddVerifier parameters.
func EncodeAddVerifier(verifier address.Address, allowance *big.Int) ([]byte, error) {
	if allowance == nil || allowance.Sign() <= 0 {
		return nil, fmt.Errorf("allowance must be positive")
	}
	return encMode.Marshal(AddVerifierParams{
		Address:   verifier.Bytes(),
		Allowance: EncodeBigInt(allowance),
	})
}

// EncodePropose serializes a multisig proposal of method on to.
func EncodePropose(to address.Address, value *big.Int, method uint64, params []byte) ([]byte, error) {
	return encMode.Marshal(ProposeParams{
		To:     to.Bytes(),
		Value:  EncodeBigInt(value),
		Method: method,
		Params: params,
	})
}

// ProposalHash is the hash a multisig approver commits to. requester must be
// the proposer's ID address.
func ProposalHash(requester, to address.Address, value *big.Int, method uint64, params []byte) ([]byte, error) {
	if requester.Protocol() != address.ID {
		return nil, fmt.Errorf("requester %s is not an ID address", requester)
	}
	raw, err := encMode.Marshal(proposalHashData{
		Requester: requester.Bytes(),
		To:        to.Bytes(),
		Value:     EncodeBigInt(value),
		Method:    method,
		Params:    params,
	})
	if err != nil {
		return nil, err
	}
	sum := blake2b.Sum256(raw)
	return sum[:], nil
}

// EncodeApprove serializes multisig approval parameters.
func EncodeApprove(txID uint64, proposalHash []byte) ([]byte, error) {
	return encMode.Marshal(ApproveParams{
		ID:           int64(txID),
		ProposalHash: proposalHash,
	})
}

package testutil

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/JAG-UK/rkh-frontend/internal/connector"
)

// ChainCall records one FakeChain submission.
type ChainCall struct {
	Op        string
	Account   string
	Verifier  string
	Allowance *big.Int
	Proposer  string
	TxID      uint64
}

// FakeChain is an in-memory verifier chain API. Submissions are signed
// through the passed signer so session semantics are exercised.
type FakeChain struct {
	// Keys maps short actor addresses to key addresses.
	Keys map[string]string
	// Err fails every submission when set.
	Err error
	// Gate, when set, blocks submissions until closed.
	Gate chan struct{}
	// Started receives once per submission, if set.
	Started chan struct{}

	mu          sync.Mutex
	calls       []ChainCall
	actorLookup []string
}

// NewFakeChain returns a chain that knows the given short-address keys.
func NewFakeChain(keys map[string]string) *FakeChain {
	if keys == nil {
		keys = make(map[string]string)
	}
	return &FakeChain{Keys: keys}
}

func (c *FakeChain) ActorKey(ctx context.Context, addr string) (string, error) {
	c.mu.Lock()
	c.actorLookup = append(c.actorLookup, addr)
	key, ok := c.Keys[addr]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("actor %s not found", addr)
	}
	return key, nil
}

func (c *FakeChain) ProposeVerifier(ctx context.Context, signer connector.Signer, verifier string, allowance *big.Int) (string, error) {
	return c.submit(ctx, signer, ChainCall{Op: "propose", Verifier: verifier, Allowance: allowance})
}

func (c *FakeChain) ApproveVerifier(ctx context.Context, signer connector.Signer, verifier string, allowance *big.Int, proposer string, txID uint64) (string, error) {
	return c.submit(ctx, signer, ChainCall{Op: "approve", Verifier: verifier, Allowance: allowance, Proposer: proposer, TxID: txID})
}

func (c *FakeChain) submit(ctx context.Context, signer connector.Signer, call ChainCall) (string, error) {
	if c.Started != nil {
		c.Started <- struct{}{}
	}
	if c.Gate != nil {
		<-c.Gate
	}
	if c.Err != nil {
		return "", c.Err
	}
	if _, err := signer.Sign(ctx, []byte(call.Op+":"+call.Verifier)); err != nil {
		return "", err
	}

	call.Account = signer.Account().Address
	c.mu.Lock()
	c.calls = append(c.calls, call)
	n := len(c.calls)
	c.mu.Unlock()
	return fmt.Sprintf("bafy2bzacefake%d", n), nil
}

// Calls returns the recorded submissions.
func (c *FakeChain) Calls() []ChainCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChainCall(nil), c.calls...)
}

// ActorLookups returns the addresses passed to ActorKey.
func (c *FakeChain) ActorLookups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.actorLookup...)
}

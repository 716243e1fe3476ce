package governance

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	stderrors "errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/domain/account"
	"github.com/JAG-UK/rkh-frontend/internal/domain/application"
	"github.com/JAG-UK/rkh-frontend/internal/domain/intent"
	"github.com/JAG-UK/rkh-frontend/internal/errors"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
	"github.com/JAG-UK/rkh-frontend/internal/metrics"
	"github.com/JAG-UK/rkh-frontend/internal/policy"
	"github.com/JAG-UK/rkh-frontend/internal/registry"
	"github.com/JAG-UK/rkh-frontend/internal/storage/memory"
)

const contract = "0xB6F5d279AEad97dFA45209F3E53969c2EF43C21d"

// testSigner is a wallet with a fixed role and optional contract support.
type testSigner struct {
	acct   account.Account
	caller *recordingCaller
	signed []string
}

func (s *testSigner) Account() account.Account { return s.acct }

func (s *testSigner) Sign(_ context.Context, m []byte) (connector.Signature, error) {
	return connector.Signature{Type: connector.SigTypeSecp256k1, Data: []byte{1}}, nil
}

func (s *testSigner) SignRaw(_ context.Context, p []byte) (connector.Signature, error) {
	s.signed = append(s.signed, string(p))
	return connector.Signature{Type: connector.SigTypeSecp256k1, Data: []byte{0xab, 0xcd}}, nil
}

func (s *testSigner) PublicKey(context.Context) ([]byte, error) { return []byte{1, 2, 3}, nil }

func (s *testSigner) ContractCaller() (connector.ContractCaller, bool) {
	if s.caller == nil {
		return nil, false
	}
	return s.caller, true
}

type recordingCaller struct {
	calls []connector.ContractCall
	err   error
}

func (c *recordingCaller) SendContractCall(_ context.Context, call connector.ContractCall) (string, error) {
	c.calls = append(c.calls, call)
	if c.err != nil {
		return "", c.err
	}
	return "0xtxhash", nil
}

type wallets struct{ signer connector.Signer }

func (w wallets) Signer() (connector.Signer, error) {
	if w.signer == nil {
		return nil, errors.WalletNotConnected()
	}
	return w.signer, nil
}

type fakeRegistry struct {
	kyc    []registry.KYCOverride
	review []registry.GovernanceReview
	err    error
}

func (r *fakeRegistry) OverrideKYC(_ context.Context, _ string, in registry.KYCOverride) error {
	r.kyc = append(r.kyc, in)
	return r.err
}

func (r *fakeRegistry) ApproveGovernanceReview(_ context.Context, _ string, in registry.GovernanceReview) error {
	r.review = append(r.review, in)
	return r.err
}

type verifierCall struct {
	op, verifier, datacap, proposer string
	txID                            uint64
}

type fakeVerifiers struct {
	calls []verifierCall
}

func (v *fakeVerifiers) ProposeAddVerifier(_ context.Context, addr, dc string) (string, error) {
	v.calls = append(v.calls, verifierCall{op: "propose", verifier: addr, datacap: dc})
	return "bafy-propose", nil
}

func (v *fakeVerifiers) AcceptVerifierProposal(_ context.Context, addr, dc, from string, id uint64) (string, error) {
	v.calls = append(v.calls, verifierCall{op: "approve", verifier: addr, datacap: dc, proposer: from, txID: id})
	return "bafy-approve", nil
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) Trigger() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

type fixture struct {
	exec      *Executor
	registry  *fakeRegistry
	verifiers *fakeVerifiers
	intents   *memory.Store
	refreshes *counter
}

func newFixture(signer connector.Signer) *fixture {
	f := &fixture{
		registry:  &fakeRegistry{},
		verifiers: &fakeVerifiers{},
		intents:   memory.New(),
		refreshes: &counter{},
	}
	f.exec = New(Config{
		Registry:              f.registry,
		Verifiers:             f.verifiers,
		Wallets:               wallets{signer: signer},
		Intents:               f.intents,
		Refresher:             f.refreshes,
		MetaAllocatorContract: contract,
		Metrics:               metrics.New(false),
		Logger:                logging.Discard(),
	})
	return f
}

func signerWith(role account.Role) *testSigner {
	return &testSigner{acct: account.Account{Address: "f1reviewer", Role: role, IsConnected: true, Connector: account.KindLedger}}
}

func code(err error) errors.ErrorCode {
	if se := errors.GetServiceError(err); se != nil {
		return se.Code
	}
	return ""
}

func TestExecuteWithoutWallet(t *testing.T) {
	f := newFixture(nil)
	_, err := f.exec.Execute(context.Background(), application.Application{ID: "a", Status: application.StatusKYC}, ExecuteRequest{})
	assert.Equal(t, errors.CodeWalletNotConnected, code(err))
}

func TestExecuteRefusesNonSigningActions(t *testing.T) {
	f := newFixture(signerWith(account.RoleGuest))
	_, err := f.exec.Execute(context.Background(), application.Application{ID: "a", Status: application.StatusKYC}, ExecuteRequest{})
	assert.Equal(t, errors.CodeForbidden, code(err))
	assert.Empty(t, f.registry.kyc)
	assert.Zero(t, f.refreshes.n)
}

func TestOverrideKYC(t *testing.T) {
	tests := []struct {
		status  application.Status
		action  string
		message string
	}{
		{application.StatusKYC, "approve", "KYC Override for app-1"},
		{application.StatusSubmission, "approve", "KYC Override for app-1"},
		{application.StatusGovernanceReview, "revoke", "KYC Revoke for app-1"},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.action, KYCAction(tt.status))
			assert.Equal(t, tt.message, KYCMessage(tt.action, "app-1"))
		})
	}

	s := signerWith(account.RoleGovernanceTeam)
	f := newFixture(s)
	res, err := f.exec.Execute(context.Background(), application.Application{ID: "app-1", Status: application.StatusKYC}, ExecuteRequest{})
	require.NoError(t, err)
	assert.Equal(t, policy.OpOverrideKYC, res.Operation)
	assert.Equal(t, "approve", res.Action)

	require.Len(t, f.registry.kyc, 1)
	got := f.registry.kyc[0]
	assert.Equal(t, "approve", got.Action)
	assert.Equal(t, DefaultReason, got.Reason)
	assert.Equal(t, "f1reviewer", got.ReviewerAddress)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), got.ReviewerPublicKey)
	assert.Equal(t, "abcd", got.Signature)
	assert.Equal(t, []string{"KYC Override for app-1"}, s.signed)
	assert.Equal(t, 1, f.refreshes.n)

	recs, _ := f.intents.ListIntents(context.Background(), intent.Filter{ApplicationID: "app-1"})
	require.Len(t, recs, 1)
	assert.Equal(t, intent.KindOverrideKYC, recs[0].Kind)
	assert.Equal(t, intent.StatusSubmitted, recs[0].Status)
}

func TestRegistryFailureIsRecorded(t *testing.T) {
	f := newFixture(signerWith(account.RoleGovernanceTeam))
	f.registry.err = errors.Registry("override kyc", stderrors.New("boom"))

	_, err := f.exec.Execute(context.Background(), application.Application{ID: "app-1", Status: application.StatusKYC}, ExecuteRequest{Reason: "docs checked"})
	assert.Equal(t, errors.CodeRegistry, code(err))
	assert.Equal(t, "docs checked", f.registry.kyc[0].Reason)
	assert.Zero(t, f.refreshes.n)

	recs, _ := f.intents.ListIntents(context.Background(), intent.Filter{})
	require.Len(t, recs, 1)
	assert.Equal(t, intent.StatusFailed, recs[0].Status)
}

func TestApproveGovernanceReview(t *testing.T) {
	s := signerWith(account.RoleGovernanceTeam)
	f := newFixture(s)
	app := application.Application{ID: "app-2", Status: application.StatusGovernanceReview, Datacap: "5"}

	res, err := f.exec.Execute(context.Background(), app, ExecuteRequest{Reason: "looks good"})
	require.NoError(t, err)
	assert.Equal(t, policy.OpApproveGovernanceReview, res.Operation)
	assert.Equal(t, []string{"Governance Review Approve for app-2"}, s.signed)
	require.Len(t, f.registry.review, 1)
	assert.Equal(t, "approve", f.registry.review[0].Result)
	assert.Equal(t, "5", f.registry.review[0].Datacap)
}

func TestApproveRKHProposesThenApproves(t *testing.T) {
	f := newFixture(signerWith(account.RoleRootKeyHolder))
	app := application.Application{ID: "app-3", Status: application.StatusRKHApproval, Address: "f1allocatoraddressxyz", Datacap: "5"}

	res, err := f.exec.Execute(context.Background(), app, ExecuteRequest{})
	require.NoError(t, err)
	assert.Equal(t, "propose", res.Action)
	assert.Equal(t, "bafy-propose", res.MessageID)

	app.ActorID = "f01234"
	app.PendingRKHTx = &application.PendingTx{ID: 9, Proposer: "f1first"}
	app.RKHApprovals = []string{"f1first"}
	res, err = f.exec.Execute(context.Background(), app, ExecuteRequest{})
	require.NoError(t, err)
	assert.Equal(t, "approve", res.Action)

	require.Len(t, f.verifiers.calls, 2)
	assert.Equal(t, verifierCall{op: "propose", verifier: "f1allocatoraddressxyz", datacap: "5"}, f.verifiers.calls[0])
	assert.Equal(t, verifierCall{op: "approve", verifier: "f01234", datacap: "5", proposer: "f1first", txID: 9}, f.verifiers.calls[1])
	assert.Equal(t, 2, f.refreshes.n)
}

func TestApproveRKHRefusesRepeatSigner(t *testing.T) {
	f := newFixture(signerWith(account.RoleRootKeyHolder))
	app := application.Application{
		ID: "app-3", Status: application.StatusRKHApproval, Address: "f1allocatoraddressxyz", Datacap: "5",
		RKHApprovals: []string{"F1REVIEWER"},
		PendingRKHTx: &application.PendingTx{ID: 1, Proposer: "f1reviewer"},
	}
	_, err := f.exec.Execute(context.Background(), app, ExecuteRequest{})
	assert.Equal(t, errors.CodeForbidden, code(err))
	assert.Empty(t, f.verifiers.calls)
}

func TestApproveMetaAllocator(t *testing.T) {
	s := signerWith(account.RoleAdmin)
	s.caller = &recordingCaller{}
	f := newFixture(s)
	app := application.Application{ID: "app-4", Status: application.StatusMetaApproval, Address: "0x00000000000000000000000000000000000000aa", Datacap: "1"}

	res, err := f.exec.Execute(context.Background(), app, ExecuteRequest{})
	require.NoError(t, err)
	assert.Equal(t, "0xtxhash", res.MessageID)

	require.Len(t, s.caller.calls, 1)
	call := s.caller.calls[0]
	assert.Equal(t, contract, call.To)
	require.Len(t, call.Data, 68)
	assert.Equal(t, addAllowanceSelector, call.Data[:4])
	assert.Equal(t, byte(0xaa), call.Data[35])
	assert.Equal(t, 0, new(big.Int).SetBytes(call.Data[36:]).Cmp(big.NewInt(1_000_000_000_000)))
}

func TestApproveMetaAllocatorNeedsContractCaller(t *testing.T) {
	f := newFixture(signerWith(account.RoleRootKeyHolder))
	app := application.Application{ID: "app-4", Status: application.StatusMetaApproval, Address: "f01000", Datacap: "1"}
	_, err := f.exec.Execute(context.Background(), app, ExecuteRequest{})
	assert.Equal(t, errors.CodeForbidden, code(err))
}

func TestApproveMetaAllocatorChainFailure(t *testing.T) {
	s := signerWith(account.RoleAdmin)
	s.caller = &recordingCaller{err: stderrors.New("user rejected")}
	f := newFixture(s)
	app := application.Application{ID: "app-4", Status: application.StatusMetaApproval, Address: "f01000", Datacap: "1"}
	_, err := f.exec.Execute(context.Background(), app, ExecuteRequest{})
	assert.Equal(t, errors.CodeChainSubmission, code(err))
}

func TestEVMAddress(t *testing.T) {
	got, err := EVMAddress("f01000")
	require.NoError(t, err)
	assert.Equal(t, "ff000000000000000000000000000000000003e8", hex.EncodeToString(got[:]))

	got, err = EVMAddress("0x00000000000000000000000000000000000000AA")
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), got[19])

	_, err = EVMAddress("not-an-address")
	assert.Error(t, err)
}

func TestEncodeAddAllowanceRejectsNonPositive(t *testing.T) {
	_, err := EncodeAddAllowance([20]byte{}, big.NewInt(0))
	assert.Error(t, err)
	_, err = EncodeAddAllowance([20]byte{}, nil)
	assert.Error(t, err)
}

// Package governance executes the signing action the policy grants the
// active account on an application.
package governance

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/JAG-UK/rkh-frontend/internal/address"
	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/datacap"
	"github.com/JAG-UK/rkh-frontend/internal/domain/account"
	"github.com/JAG-UK/rkh-frontend/internal/domain/application"
	"github.com/JAG-UK/rkh-frontend/internal/domain/intent"
	"github.com/JAG-UK/rkh-frontend/internal/errors"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
	"github.com/JAG-UK/rkh-frontend/internal/metrics"
	"github.com/JAG-UK/rkh-frontend/internal/policy"
	"github.com/JAG-UK/rkh-frontend/internal/registry"
	"github.com/JAG-UK/rkh-frontend/internal/storage"
	"github.com/JAG-UK/rkh-frontend/internal/verifier"
)

// DefaultReason is recorded when the reviewer gives none.
const DefaultReason = "No reason given"

// Registry is the part of the application registry that records reviewer
// decisions.
type Registry interface {
	OverrideKYC(ctx context.Context, id string, in registry.KYCOverride) error
	ApproveGovernanceReview(ctx context.Context, id string, in registry.GovernanceReview) error
}

// Verifiers submits root key holder verifier messages.
type Verifiers interface {
	ProposeAddVerifier(ctx context.Context, verifierAddress, datacapPiB string) (string, error)
	AcceptVerifierProposal(ctx context.Context, verifierAddress, datacapPiB, fromAccount string, transactionID uint64) (string, error)
}

// Notifier is told when registry state is likely to have changed.
type Notifier interface {
	Trigger()
}

// Config configures an Executor.
type Config struct {
	Registry  Registry
	Verifiers Verifiers
	Wallets   verifier.WalletProvider
	Intents   storage.IntentStore
	Refresher Notifier

	// MetaAllocatorContract is the 0x address of the MetaAllocator contract.
	MetaAllocatorContract string

	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// Executor runs policy-permitted signing actions.
type Executor struct {
	registry  Registry
	verifiers Verifiers
	wallets   verifier.WalletProvider
	intents   storage.IntentStore
	refresher Notifier
	contract  string
	metrics   *metrics.Metrics
	logger    *logging.Logger
}

// New creates an executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDefault("governance")
	}
	return &Executor{
		registry:  cfg.Registry,
		verifiers: cfg.Verifiers,
		wallets:   cfg.Wallets,
		intents:   cfg.Intents,
		refresher: cfg.Refresher,
		contract:  cfg.MetaAllocatorContract,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
}

// ExecuteRequest carries reviewer input.
type ExecuteRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Result describes what was submitted.
type Result struct {
	Operation policy.Operation `json:"operation"`
	Action    string           `json:"action,omitempty"`
	MessageID string           `json:"messageId,omitempty"`
}

// Execute performs the signing action the active account may take on app.
func (e *Executor) Execute(ctx context.Context, app application.Application, req ExecuteRequest) (Result, error) {
	signer, err := e.wallets.Signer()
	if err != nil || signer == nil {
		return Result{}, errors.WalletNotConnected()
	}
	acct := signer.Account()

	d := policy.ResolveFor(app, acct)
	if d.Kind != policy.KindSigning {
		return Result{}, errors.Forbidden(fmt.Sprintf("role %s has no signing action on %s applications", acct.Role, app.Status))
	}
	if !d.Enabled {
		return Result{}, errors.Forbidden("account has already approved this application")
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = DefaultReason
	}

	var res Result
	switch d.Operation {
	case policy.OpOverrideKYC:
		res, err = e.overrideKYC(ctx, signer, app, reason)
	case policy.OpApproveGovernanceReview:
		res, err = e.approveGovernanceReview(ctx, signer, app, reason)
	case policy.OpApproveRKH:
		res, err = e.approveRKH(ctx, app)
	case policy.OpApproveMetaAllocator:
		res, err = e.approveMetaAllocator(ctx, signer, app)
	default:
		err = errors.Forbidden(fmt.Sprintf("unsupported operation %q", d.Operation))
	}
	res.Operation = d.Operation

	if e.metrics != nil {
		e.metrics.RecordGovernanceAction(string(d.Operation), err)
	}
	entry := e.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"operation":   d.Operation,
		"application": app.ID,
		"account":     acct.Address,
	})
	if err != nil {
		entry.WithError(err).Warn("governance action failed")
		return Result{}, err
	}
	entry.Info("governance action submitted")

	if e.refresher != nil {
		e.refresher.Trigger()
	}
	return res, nil
}

// =============================================================================
// Reviewer attestations
// =============================================================================

// KYCAction is approve while the application has not cleared KYC, revoke
// afterwards.
func KYCAction(status application.Status) string {
	if status == application.StatusKYC || status == application.StatusSubmission {
		return "approve"
	}
	return "revoke"
}

// KYCMessage is the text a reviewer signs for a KYC override.
func KYCMessage(action, applicationID string) string {
	if action == "approve" {
		return "KYC Override for " + applicationID
	}
	return "KYC Revoke for " + applicationID
}

// GovernanceReviewMessage is the text a reviewer signs to approve a review.
func GovernanceReviewMessage(applicationID string) string {
	return "Governance Review Approve for " + applicationID
}

type attestation struct {
	address   string
	publicKey string
	signature string
}

func (e *Executor) attest(ctx context.Context, signer connector.Signer, message string) (attestation, error) {
	sig, err := signer.SignRaw(ctx, []byte(message))
	if err != nil {
		return attestation{}, err
	}
	pub, err := signer.PublicKey(ctx)
	if err != nil {
		return attestation{}, errors.Signing(err)
	}
	return attestation{
		address:   signer.Account().Address,
		publicKey: base64.StdEncoding.EncodeToString(pub),
		signature: hex.EncodeToString(sig.Data),
	}, nil
}

func (e *Executor) overrideKYC(ctx context.Context, signer connector.Signer, app application.Application, reason string) (Result, error) {
	action := KYCAction(app.Status)
	att, err := e.attest(ctx, signer, KYCMessage(action, app.ID))
	if err != nil {
		return Result{}, err
	}

	rec := intent.New(intent.KindOverrideKYC, app.ID, att.address, map[string]any{
		"action": action,
		"reason": reason,
	})
	e.record(ctx, rec, true)

	err = e.registry.OverrideKYC(ctx, app.ID, registry.KYCOverride{
		Action:            action,
		Reason:            reason,
		ReviewerAddress:   att.address,
		ReviewerPublicKey: att.publicKey,
		Signature:         att.signature,
	})
	e.finish(ctx, &rec, "", err)
	if err != nil {
		return Result{}, err
	}
	return Result{Action: action}, nil
}

func (e *Executor) approveGovernanceReview(ctx context.Context, signer connector.Signer, app application.Application, reason string) (Result, error) {
	att, err := e.attest(ctx, signer, GovernanceReviewMessage(app.ID))
	if err != nil {
		return Result{}, err
	}

	rec := intent.New(intent.KindApproveGovernanceReview, app.ID, att.address, map[string]any{
		"reason":  reason,
		"datacap": app.Datacap,
	})
	e.record(ctx, rec, true)

	err = e.registry.ApproveGovernanceReview(ctx, app.ID, registry.GovernanceReview{
		Result:            "approve",
		Reason:            reason,
		ReviewerAddress:   att.address,
		ReviewerPublicKey: att.publicKey,
		Signature:         att.signature,
		Datacap:           app.Datacap,
	})
	e.finish(ctx, &rec, "", err)
	if err != nil {
		return Result{}, err
	}
	return Result{Action: "approve"}, nil
}

// =============================================================================
// Root key holder approval
// =============================================================================

func (e *Executor) approveRKH(ctx context.Context, app application.Application) (Result, error) {
	ctx = verifier.WithApplication(ctx, app.ID)
	target := verifierAddress(app)

	if app.PendingRKHTx == nil {
		id, err := e.verifiers.ProposeAddVerifier(ctx, target, app.Datacap)
		if err != nil {
			return Result{}, err
		}
		return Result{Action: "propose", MessageID: id}, nil
	}

	tx := app.PendingRKHTx
	id, err := e.verifiers.AcceptVerifierProposal(ctx, target, app.Datacap, tx.Proposer, tx.ID)
	if err != nil {
		return Result{}, err
	}
	return Result{Action: "approve", MessageID: id}, nil
}

// verifierAddress prefers the actor id the registry resolved, falling back
// to the application address.
func verifierAddress(app application.Application) string {
	if app.ActorID != "" {
		return app.ActorID
	}
	return app.Address
}

// =============================================================================
// MetaAllocator approval
// =============================================================================

var addAllowanceSelector = selector("addAllowance(address,uint256)")

func selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// EncodeAddAllowance ABI-encodes addAllowance(allocator, amount).
func EncodeAddAllowance(allocator [20]byte, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("allowance must be positive")
	}
	if amount.BitLen() > 256 {
		return nil, fmt.Errorf("allowance overflows uint256")
	}
	out := make([]byte, 4+64)
	copy(out, addAllowanceSelector)
	copy(out[4+12:4+32], allocator[:])
	amount.FillBytes(out[4+32:])
	return out, nil
}

// EVMAddress maps an allocator address onto the EVM. 0x and f410 addresses
// map directly; ID addresses use the 0xff-prefixed masked form.
func EVMAddress(s string) ([20]byte, error) {
	var out [20]byte
	a, err := address.Parse(strings.TrimSpace(s))
	if err != nil {
		return out, err
	}
	if eth, ok := a.EthereumString(); ok {
		raw, _ := hex.DecodeString(eth[2:])
		copy(out[:], raw)
		return out, nil
	}
	if id, ok := a.ID(); ok {
		out[0] = 0xff
		binary.BigEndian.PutUint64(out[12:], id)
		return out, nil
	}
	return out, fmt.Errorf("address %s has no EVM form", s)
}

func (e *Executor) approveMetaAllocator(ctx context.Context, signer connector.Signer, app application.Application) (Result, error) {
	if !address.IsEthereum(e.contract) {
		return Result{}, errors.Internal("MetaAllocator contract is not configured", nil)
	}
	caller, ok := signer.ContractCaller()
	if !ok {
		return Result{}, errors.Forbidden(fmt.Sprintf("%s wallets cannot submit contract calls", connectorName(signer.Account())))
	}

	allocator, err := EVMAddress(app.Address)
	if err != nil {
		return Result{}, errors.InvalidInput("address", err.Error())
	}
	amount, err := datacap.ToBaseUnits(app.Datacap)
	if err != nil {
		return Result{}, errors.InvalidInput("datacap", err.Error())
	}
	data, err := EncodeAddAllowance(allocator, amount)
	if err != nil {
		return Result{}, errors.InvalidInput("datacap", err.Error())
	}

	rec := intent.New(intent.KindApproveMetaAllocator, app.ID, signer.Account().Address, map[string]any{
		"contract":  e.contract,
		"allocator": "0x" + hex.EncodeToString(allocator[:]),
		"allowance": amount.String(),
	})
	e.record(ctx, rec, true)

	txHash, err := caller.SendContractCall(ctx, connector.ContractCall{To: e.contract, Data: data})
	if err != nil && !errors.IsSessionLoss(err) && errors.GetServiceError(err) == nil {
		err = errors.ChainSubmission("meta allocator approval", err)
	}
	e.finish(ctx, &rec, txHash, err)
	if err != nil {
		return Result{}, err
	}
	return Result{Action: "approve", MessageID: txHash}, nil
}

func connectorName(acct account.Account) string {
	if acct.Connector == "" {
		return "these"
	}
	return string(acct.Connector)
}

// =============================================================================
// Intent ledger
// =============================================================================

func (e *Executor) finish(ctx context.Context, rec *intent.Intent, messageID string, err error) {
	if err != nil {
		rec.Failed(err)
	} else {
		rec.Submitted(messageID)
	}
	e.record(ctx, *rec, false)
}

func (e *Executor) record(ctx context.Context, rec intent.Intent, create bool) {
	if e.intents == nil {
		return
	}
	var err error
	if create {
		_, err = e.intents.CreateIntent(ctx, rec)
	} else {
		_, err = e.intents.UpdateIntent(context.WithoutCancel(ctx), rec)
	}
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("intent_id", rec.ID).Warn("intent ledger write failed")
	}
}

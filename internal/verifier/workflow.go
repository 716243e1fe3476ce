// Package verifier turns verifier approvals into signed chain submissions.
package verifier

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/JAG-UK/rkh-frontend/internal/address"
	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/datacap"
	"github.com/JAG-UK/rkh-frontend/internal/domain/intent"
	"github.com/JAG-UK/rkh-frontend/internal/errors"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
	"github.com/JAG-UK/rkh-frontend/internal/metrics"
	"github.com/JAG-UK/rkh-frontend/internal/storage"
)

// ChainAPI is the chain surface the workflow needs.
type ChainAPI interface {
	// ActorKey resolves a short actor address to its key address.
	ActorKey(ctx context.Context, addr string) (string, error)
	ProposeVerifier(ctx context.Context, signer connector.Signer, verifier string, allowance *big.Int) (string, error)
	ApproveVerifier(ctx context.Context, signer connector.Signer, verifier string, allowance *big.Int, proposer string, txID uint64) (string, error)
}

// WalletProvider hands out a signer bound to the active session.
type WalletProvider interface {
	Signer() (connector.Signer, error)
}

// Config configures a Workflow.
type Config struct {
	Chain   ChainAPI
	Wallets WalletProvider
	Intents storage.IntentStore
	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// Workflow submits verifier proposals and approvals. At most one submission
// per account is in flight.
type Workflow struct {
	chain   ChainAPI
	wallets WalletProvider
	intents storage.IntentStore
	metrics *metrics.Metrics
	logger  *logging.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a workflow.
func New(cfg Config) *Workflow {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDefault("verifier")
	}
	return &Workflow{
		chain:    cfg.Chain,
		wallets:  cfg.Wallets,
		intents:  cfg.Intents,
		metrics:  cfg.Metrics,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

type applicationKey struct{}

// WithApplication tags submissions made with ctx with an application id for
// the intent ledger.
func WithApplication(ctx context.Context, applicationID string) context.Context {
	return context.WithValue(ctx, applicationKey{}, applicationID)
}

func applicationFrom(ctx context.Context) string {
	if v, ok := ctx.Value(applicationKey{}).(string); ok {
		return v
	}
	return ""
}

type submission struct {
	kind     intent.Kind
	verifier string
	datacap  string
	proposer string
	txID     uint64
}

// ProposeAddVerifier proposes granting datacapPiB to verifierAddress and
// returns the message id.
func (w *Workflow) ProposeAddVerifier(ctx context.Context, verifierAddress, datacapPiB string) (string, error) {
	return w.run(ctx, submission{
		kind:     intent.KindProposeVerifier,
		verifier: verifierAddress,
		datacap:  datacapPiB,
	})
}

// AcceptVerifierProposal approves pending multisig transaction transactionID
// proposed by fromAccount.
func (w *Workflow) AcceptVerifierProposal(ctx context.Context, verifierAddress, datacapPiB, fromAccount string, transactionID uint64) (string, error) {
	if strings.TrimSpace(fromAccount) == "" {
		return "", errors.InvalidInput("fromAccount", "proposer address is required")
	}
	return w.run(ctx, submission{
		kind:     intent.KindApproveVerifier,
		verifier: verifierAddress,
		datacap:  datacapPiB,
		proposer: strings.TrimSpace(fromAccount),
		txID:     transactionID,
	})
}

func (w *Workflow) run(ctx context.Context, sub submission) (string, error) {
	signer, err := w.wallets.Signer()
	if err != nil || signer == nil {
		return "", errors.WalletNotConnected()
	}
	acct := signer.Account()

	if !w.acquire(acct.Address) {
		return "", errors.SubmissionPending(acct.Address)
	}
	defer w.release(acct.Address)

	allowance, err := datacap.ToBaseUnits(sub.datacap)
	if err != nil {
		return "", errors.InvalidInput("datacap", err.Error())
	}
	if allowance.Sign() == 0 {
		return "", errors.InvalidInput("datacap", "datacap must be positive")
	}

	verifier := strings.TrimSpace(sub.verifier)
	if verifier == "" {
		return "", errors.InvalidInput("verifierAddress", "verifier address is required")
	}
	if address.NeedsResolution(verifier) {
		key, err := w.chain.ActorKey(ctx, verifier)
		if err != nil {
			return "", errors.ChainSubmission("resolve verifier", err)
		}
		verifier = key
	}

	entry := w.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"kind":     sub.kind,
		"account":  acct.Address,
		"verifier": verifier,
		"datacap":  sub.datacap,
	})

	rec := intent.New(sub.kind, applicationFrom(ctx), acct.Address, map[string]any{
		"verifier":  verifier,
		"datacap":   sub.datacap,
		"allowance": allowance.String(),
	})
	if sub.kind == intent.KindApproveVerifier {
		rec.Payload["proposer"] = sub.proposer
		rec.Payload["transactionId"] = sub.txID
	}
	w.record(ctx, rec, true)

	start := time.Now()
	var messageID string
	switch sub.kind {
	case intent.KindProposeVerifier:
		messageID, err = w.chain.ProposeVerifier(ctx, signer, verifier, allowance)
	default:
		messageID, err = w.chain.ApproveVerifier(ctx, signer, verifier, allowance, sub.proposer, sub.txID)
	}
	if w.metrics != nil {
		w.metrics.RecordSubmission(string(sub.kind), time.Since(start), err)
	}

	if err != nil {
		rec.Failed(err)
		w.record(ctx, rec, false)
		entry.WithError(err).Warn("verifier submission failed")
		if errors.IsSessionLoss(err) {
			return "", err
		}
		return "", errors.ChainSubmission(string(sub.kind), err)
	}

	rec.Submitted(messageID)
	w.record(ctx, rec, false)
	entry.WithField("message_id", messageID).Info("verifier submission accepted")
	return messageID, nil
}

// record writes rec to the intent ledger. Ledger failures never fail the
// submission itself.
func (w *Workflow) record(ctx context.Context, rec intent.Intent, create bool) {
	if w.intents == nil {
		return
	}
	var err error
	if create {
		_, err = w.intents.CreateIntent(ctx, rec)
	} else {
		_, err = w.intents.UpdateIntent(context.WithoutCancel(ctx), rec)
	}
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).WithField("intent_id", rec.ID).Warn("intent ledger write failed")
	}
}

func (w *Workflow) acquire(account string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inflight[account]; busy {
		return false
	}
	w.inflight[account] = struct{}{}
	return true
}

func (w *Workflow) release(account string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, account)
}

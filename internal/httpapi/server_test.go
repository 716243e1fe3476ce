package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/domain/account"
	"github.com/JAG-UK/rkh-frontend/internal/domain/application"
	"github.com/JAG-UK/rkh-frontend/internal/domain/intent"
	"github.com/JAG-UK/rkh-frontend/internal/errors"
	"github.com/JAG-UK/rkh-frontend/internal/governance"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
	"github.com/JAG-UK/rkh-frontend/internal/metrics"
	"github.com/JAG-UK/rkh-frontend/internal/middleware"
	"github.com/JAG-UK/rkh-frontend/internal/policy"
	"github.com/JAG-UK/rkh-frontend/internal/registry"
	"github.com/JAG-UK/rkh-frontend/internal/roles"
	"github.com/JAG-UK/rkh-frontend/internal/session"
	"github.com/JAG-UK/rkh-frontend/internal/storage/memory"
	"github.com/JAG-UK/rkh-frontend/pkg/testutil"
)

const holderAddr = "f1rootkeyholder"

// =============================================================================
// Fakes
// =============================================================================

type fakeApplications struct {
	mu     sync.Mutex
	apps   map[string]application.Application
	lists  int
	gets   int
	listFn func(registry.ListOptions) (registry.Page, error)
}

func (f *fakeApplications) ListApplications(_ context.Context, opts registry.ListOptions) (registry.Page, error) {
	f.mu.Lock()
	f.lists++
	f.mu.Unlock()
	if f.listFn != nil {
		return f.listFn(opts)
	}
	return registry.Page{}, nil
}

func (f *fakeApplications) GetApplication(_ context.Context, id string) (application.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	app, ok := f.apps[id]
	if !ok {
		return application.Application{}, errors.NotFound("application", id)
	}
	return app, nil
}

type verifierCall struct {
	Verifier string
	Datacap  string
	From     string
	TxID     uint64
}

type fakeVerifiers struct {
	mu    sync.Mutex
	calls []verifierCall
}

func (f *fakeVerifiers) ProposeAddVerifier(_ context.Context, verifierAddress, datacap string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, verifierCall{Verifier: verifierAddress, Datacap: datacap})
	return "bafy-propose", nil
}

func (f *fakeVerifiers) AcceptVerifierProposal(_ context.Context, verifierAddress, datacap, from string, txID uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, verifierCall{Verifier: verifierAddress, Datacap: datacap, From: from, TxID: txID})
	return "bafy-approve", nil
}

type fakeExecutor struct {
	got application.Application
	req governance.ExecuteRequest
}

func (f *fakeExecutor) Execute(_ context.Context, app application.Application, req governance.ExecuteRequest) (governance.Result, error) {
	f.got, f.req = app, req
	return governance.Result{Operation: policy.OpApproveRKH, MessageID: "bafy-exec"}, nil
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	server    *Server
	sessions  *session.Manager
	ledger    *testutil.MockConnector
	apps      *fakeApplications
	cache     *registry.Cache
	verifiers *fakeVerifiers
	executor  *fakeExecutor
	intents   *memory.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ledger := testutil.NewMockConnector(connector.KindLedger, holderAddr)
	dir := roles.NewDirectory(map[account.Role][]string{
		account.RoleRootKeyHolder: {holderAddr},
	})
	sessions := session.NewManager(session.Config{
		Factories: map[connector.Kind]connector.Factory{connector.KindLedger: ledger.Factory()},
		Roles:     roles.NewChain(dir, nil, logging.Discard()),
		Logger:    logging.Discard(),
	})
	tokens, err := middleware.NewTokenIssuer([]byte(strings.Repeat("k", 32)), "rkhd", time.Hour)
	require.NoError(t, err)

	h := &harness{
		sessions:  sessions,
		ledger:    ledger,
		apps:      &fakeApplications{apps: map[string]application.Application{}},
		cache:     registry.NewCache(),
		verifiers: &fakeVerifiers{},
		executor:  &fakeExecutor{},
		intents:   memory.New(),
	}
	h.server = New(Config{
		Sessions:     sessions,
		Applications: h.apps,
		Cache:        h.cache,
		Verifiers:    h.verifiers,
		Executor:     h.executor,
		Intents:      h.intents,
		Tokens:       tokens,
		Metrics:      metrics.New(false),
		Logger:       logging.Discard(),
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if body != nil {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		req = httptest.NewRequest(method, path, &buf)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) connect(t *testing.T) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/v1/session/connect", "", map[string]any{"connector": "ledger"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp connectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func rkhApp(id string, number int64) application.Application {
	return application.Application{
		ID:                    id,
		Number:                number,
		Name:                  "Allocator " + id,
		Organization:          "Org " + id,
		Status:                application.StatusRKHApproval,
		Address:               "f1allocator" + id,
		Datacap:               "5",
		RKHApprovalsThreshold: 2,
	}
}

// =============================================================================
// Session
// =============================================================================

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connected":false`)
}

func TestSessionConnectIssuesToken(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/session", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var before sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &before))
	assert.False(t, before.Connected)
	assert.Equal(t, account.RoleGuest, before.Account.Role)

	h.connect(t)

	rec = h.do(t, http.MethodGet, "/v1/session", "", nil)
	var after sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &after))
	assert.True(t, after.Connected)
	assert.Equal(t, holderAddr, after.Account.Address)
	assert.Equal(t, account.RoleRootKeyHolder, after.Account.Role)
}

func TestConnectRejectsUnknownConnector(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/session/connect", "", map[string]any{"connector": "trezor"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(errors.CodeInvalidInput), errorCode(t, rec))
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{
		"/v1/session/disconnect",
		"/v1/applications/app-1/execute",
		"/v1/verifiers/propose",
		"/v1/verifiers/approve",
	} {
		rec := h.do(t, http.MethodPost, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	assert.Empty(t, h.verifiers.calls)
}

func TestTokenRejectedAfterDisconnect(t *testing.T) {
	h := newHarness(t)
	token := h.connect(t)

	rec := h.do(t, http.MethodPost, "/v1/session/disconnect", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, h.ledger.DisconnectCount())

	rec = h.do(t, http.MethodPost, "/v1/verifiers/propose", token, proposeRequest{VerifierAddress: "f01234", Datacap: "5"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// =============================================================================
// Verifiers
// =============================================================================

func TestProposeAndApproveVerifier(t *testing.T) {
	h := newHarness(t)
	token := h.connect(t)

	rec := h.do(t, http.MethodPost, "/v1/verifiers/propose", token, proposeRequest{
		VerifierAddress: "f01234",
		Datacap:         "5",
		ApplicationID:   "app-1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "bafy-propose")

	rec = h.do(t, http.MethodPost, "/v1/verifiers/approve", token, approveRequest{
		VerifierAddress: "f01234",
		Datacap:         "5",
		FromAccount:     "f1proposer",
		TransactionID:   7,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, h.verifiers.calls, 2)
	assert.Equal(t, verifierCall{Verifier: "f01234", Datacap: "5"}, h.verifiers.calls[0])
	assert.Equal(t, verifierCall{Verifier: "f01234", Datacap: "5", From: "f1proposer", TxID: 7}, h.verifiers.calls[1])
}

func TestApproveVerifierRequiresProposer(t *testing.T) {
	h := newHarness(t)
	token := h.connect(t)

	rec := h.do(t, http.MethodPost, "/v1/verifiers/approve", token, approveRequest{VerifierAddress: "f01234", Datacap: "5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.verifiers.calls)
}

// =============================================================================
// Applications
// =============================================================================

func TestListApplicationsFromCache(t *testing.T) {
	h := newHarness(t)
	apps := []application.Application{rkhApp("a", 1), rkhApp("b", 2), rkhApp("c", 3)}
	kyc := rkhApp("d", 4)
	kyc.Status = application.StatusKYC
	h.cache.Store(append(apps, kyc), time.Now())

	rec := h.do(t, http.MethodGet, "/v1/applications?status=RKH_APPROVAL_PHASE&limit=2&page=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp applicationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Applications, 2)
	assert.Equal(t, "c", resp.Applications[0].ID)
	assert.Equal(t, "b", resp.Applications[1].ID)

	rec = h.do(t, http.MethodGet, "/v1/applications?search=org%20a", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Applications, 1)
	assert.Equal(t, "a", resp.Applications[0].ID)
	assert.Zero(t, h.apps.lists)
}

func TestListApplicationsFallsBackToRegistry(t *testing.T) {
	h := newHarness(t)
	var got registry.ListOptions
	h.apps.listFn = func(opts registry.ListOptions) (registry.Page, error) {
		got = opts
		return registry.Page{Applications: []application.Application{rkhApp("x", 9)}, Total: 41}, nil
	}

	rec := h.do(t, http.MethodGet, "/v1/applications?page=3&limit=10&search=foo", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp applicationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 41, resp.Total)
	assert.Equal(t, registry.ListOptions{Page: 3, Limit: 10, Search: "foo"}, got)
}

func TestListApplicationsRejectsBadPaging(t *testing.T) {
	h := newHarness(t)
	for _, q := range []string{"page=0", "limit=abc", "limit=500"} {
		rec := h.do(t, http.MethodGet, "/v1/applications?"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestGetApplicationNotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/v1/applications/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(errors.CodeNotFound), errorCode(t, rec))
}

func TestActionDependsOnSession(t *testing.T) {
	h := newHarness(t)
	h.cache.Store([]application.Application{rkhApp("a", 1)}, time.Now())

	rec := h.do(t, http.MethodGet, "/v1/applications/a/action", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var guest actionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &guest))
	assert.Equal(t, policy.KindConnectWallet, guest.Action.Kind)
	assert.Equal(t, "RKH Approval", guest.Status.Name)

	h.connect(t)
	rec = h.do(t, http.MethodGet, "/v1/applications/a/action", "", nil)
	var holder actionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &holder))
	assert.Equal(t, policy.OpApproveRKH, holder.Action.Operation)
	assert.True(t, holder.Action.Enabled)
	assert.Equal(t, holderAddr, holder.Account.Address)
}

func TestExecuteUsesRegistryCopy(t *testing.T) {
	h := newHarness(t)
	stale := rkhApp("a", 1)
	h.cache.Store([]application.Application{stale}, time.Now())
	fresh := rkhApp("a", 1)
	fresh.RKHApprovals = []string{"f1someoneelse"}
	h.apps.apps["a"] = fresh

	token := h.connect(t)
	rec := h.do(t, http.MethodPost, "/v1/applications/a/execute", token, governance.ExecuteRequest{Reason: "looks good"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, []string{"f1someoneelse"}, h.executor.got.RKHApprovals)
	assert.Equal(t, "looks good", h.executor.req.Reason)
	assert.Contains(t, rec.Body.String(), "bafy-exec")
}

func TestExecuteAcceptsEmptyBody(t *testing.T) {
	h := newHarness(t)
	h.apps.apps["a"] = rkhApp("a", 1)
	token := h.connect(t)

	rec := h.do(t, http.MethodPost, "/v1/applications/a/execute", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, h.executor.req.Reason)
}

// =============================================================================
// Intents
// =============================================================================

func TestListIntentsFilters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.intents.CreateIntent(ctx, intent.New(intent.KindProposeVerifier, "app-1", holderAddr, nil))
	require.NoError(t, err)
	_, err = h.intents.CreateIntent(ctx, intent.New(intent.KindOverrideKYC, "app-2", "f1reviewer", nil))
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/v1/intents?applicationId=app-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Intents []intent.Intent `json:"intents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Intents, 1)
	assert.Equal(t, intent.KindProposeVerifier, resp.Intents[0].Kind)

	rec = h.do(t, http.MethodGet, "/v1/intents?kind=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// Event stream
// =============================================================================

func TestSessionEventsStream(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/session/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev session.Event
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, session.EventDisconnected, ev.Type)

	_, err = h.sessions.Connect(context.Background(), connector.KindLedger, nil)
	require.NoError(t, err)

	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, session.EventConnected, ev.Type)
	assert.Equal(t, holderAddr, ev.Account.Address)
}

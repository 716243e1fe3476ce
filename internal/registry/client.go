// Package registry talks to the application registry backend and keeps a
// refreshed snapshot of its applications.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"

	"github.com/JAG-UK/rkh-frontend/internal/domain/account"
	"github.com/JAG-UK/rkh-frontend/internal/domain/application"
	"github.com/JAG-UK/rkh-frontend/internal/errors"
	"github.com/JAG-UK/rkh-frontend/internal/httputil"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
)

// Default JSONPath expressions locating data in registry responses.
const (
	DefaultApplicationsPath = "$.data.applications"
	DefaultTotalPath        = "$.data.pagination.totalCount"
	DefaultApplicationPath  = "$.data"
	DefaultRolePath         = "$.data.role"
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	Logger     *logging.Logger

	ApplicationsPath string
	TotalPath        string
	ApplicationPath  string
	RolePath         string
}

// Client is the application registry HTTP client.
type Client struct {
	http   *httputil.Client
	logger *logging.Logger

	applicationsPath string
	totalPath        string
	applicationPath  string
	rolePath         string
}

// NewClient creates a registry client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("registry base URL required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("registry base URL: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault("registry")
	}
	return &Client{
		logger: cfg.Logger,
		http: httputil.NewClient(httputil.ClientConfig{
			BaseURL:    cfg.BaseURL,
			Token:      cfg.Token,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		}),
		applicationsPath: orDefault(cfg.ApplicationsPath, DefaultApplicationsPath),
		totalPath:        orDefault(cfg.TotalPath, DefaultTotalPath),
		applicationPath:  orDefault(cfg.ApplicationPath, DefaultApplicationPath),
		rolePath:         orDefault(cfg.RolePath, DefaultRolePath),
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// =============================================================================
// Read model
// =============================================================================

// ListOptions selects a page of applications. Page is 1-based.
type ListOptions struct {
	Page   int
	Limit  int
	Status application.Status
	Search string
}

// Page is one page of applications. Skipped counts records on the page
// that failed validation. HasTotal is false when the response carried no
// total, in which case Total is the number of records on the page.
type Page struct {
	Applications []application.Application `json:"applications"`
	Total        int                       `json:"total"`
	Skipped      int                       `json:"-"`
	HasTotal     bool                      `json:"-"`
}

// Fetched is the number of records the registry returned on this page.
func (p Page) Fetched() int {
	return len(p.Applications) + p.Skipped
}

// ListApplications fetches one page of applications.
func (c *Client) ListApplications(ctx context.Context, opts ListOptions) (Page, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Search != "" {
		q.Set("search", opts.Search)
	}
	path := "/applications"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	doc, err := c.getDocument(ctx, path)
	if err != nil {
		return Page{}, errors.Registry("list applications", err)
	}

	items, err := jsonpath.Get(c.applicationsPath, doc)
	if err != nil {
		return Page{}, errors.Registry("list applications", fmt.Errorf("extract %s: %w", c.applicationsPath, err))
	}
	list, ok := items.([]interface{})
	if !ok {
		return Page{}, errors.Registry("list applications", fmt.Errorf("%s is not a list", c.applicationsPath))
	}

	page := Page{Applications: make([]application.Application, 0, len(list))}
	for _, item := range list {
		raw, err := json.Marshal(item)
		if err != nil {
			return Page{}, errors.Registry("list applications", err)
		}
		app, err := ParseApplication(raw)
		if err != nil {
			// The registry owns record invariants; one bad record must not
			// hide the rest of the page.
			page.Skipped++
			c.logger.WithContext(ctx).WithError(err).
				WithField("application_id", gjson.GetBytes(raw, "id").String()).
				Warn("skipping invalid registry application")
			continue
		}
		page.Applications = append(page.Applications, app)
	}

	page.Total = len(page.Applications)
	if total, err := jsonpath.Get(c.totalPath, doc); err == nil {
		if n, ok := total.(json.Number); ok {
			if v, err := n.Int64(); err == nil {
				page.Total = int(v)
				page.HasTotal = true
			}
		}
	}
	return page, nil
}

// GetApplication fetches a single application.
func (c *Client) GetApplication(ctx context.Context, id string) (application.Application, error) {
	doc, err := c.getDocument(ctx, "/applications/"+url.PathEscape(id))
	if err != nil {
		var se *httputil.StatusError
		if stderrors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return application.Application{}, errors.NotFound("application", id)
		}
		return application.Application{}, errors.Registry("get application", err)
	}

	item, err := jsonpath.Get(c.applicationPath, doc)
	if err != nil {
		return application.Application{}, errors.Registry("get application", err)
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return application.Application{}, errors.Registry("get application", err)
	}
	app, err := ParseApplication(raw)
	if err != nil {
		return application.Application{}, errors.Registry("get application", err)
	}
	return app, nil
}

// AccountRole looks up the governance role of address. Unknown accounts are
// guests.
func (c *Client) AccountRole(ctx context.Context, address string) (account.Role, error) {
	doc, err := c.getDocument(ctx, "/roles?address="+url.QueryEscape(address))
	if err != nil {
		var se *httputil.StatusError
		if stderrors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return account.RoleGuest, nil
		}
		return account.RoleGuest, errors.Registry("account role", err)
	}

	v, err := jsonpath.Get(c.rolePath, doc)
	if err != nil {
		return account.RoleGuest, nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return account.RoleGuest, nil
	}
	role, err := account.ParseRole(s)
	if err != nil {
		return account.RoleGuest, errors.Registry("account role", err)
	}
	return role, nil
}

func (c *Client) getDocument(ctx context.Context, path string) (interface{}, error) {
	resp, err := c.http.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	body, err := httputil.ReadResponse(resp)
	if err != nil {
		return nil, err
	}
	// Numbers stay json.Number so datacap survives re-encoding digit for
	// digit.
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return doc, nil
}

// =============================================================================
// Mutations
// =============================================================================

// KYCOverride is the reviewer-signed KYC override payload.
type KYCOverride struct {
	Action            string `json:"action"`
	Reason            string `json:"reason"`
	ReviewerAddress   string `json:"reviewerAddress"`
	ReviewerPublicKey string `json:"reviewerPublicKey"`
	Signature         string `json:"signature"`
}

// GovernanceReview is the reviewer-signed governance review approval.
type GovernanceReview struct {
	Result            string `json:"result"`
	Reason            string `json:"reason,omitempty"`
	ReviewerAddress   string `json:"reviewerAddress"`
	ReviewerPublicKey string `json:"reviewerPublicKey"`
	Signature         string `json:"signature"`
	Datacap           string `json:"finalDataCap,omitempty"`
}

// OverrideKYC posts a KYC override for application id.
func (c *Client) OverrideKYC(ctx context.Context, id string, in KYCOverride) error {
	if in.Action != "approve" && in.Action != "revoke" {
		return errors.InvalidInput("action", "must be approve or revoke")
	}
	return c.post(ctx, "override kyc", "/applications/"+url.PathEscape(id)+"/kyc/override", in)
}

// ApproveGovernanceReview posts a governance review decision for
// application id.
func (c *Client) ApproveGovernanceReview(ctx context.Context, id string, in GovernanceReview) error {
	return c.post(ctx, "governance review", "/applications/"+url.PathEscape(id)+"/governance-review", in)
}

func (c *Client) post(ctx context.Context, op, path string, body interface{}) error {
	resp, err := c.http.Post(ctx, path, body)
	if err != nil {
		return errors.Registry(op, err)
	}
	if _, err := httputil.ReadResponse(resp); err != nil {
		return errors.Registry(op, err)
	}
	return nil
}

// =============================================================================
// Parsing
// =============================================================================

// ParseApplication decodes a registry application record. Datacap may be a
// number or a string; it is kept as its exact decimal text.
func ParseApplication(raw []byte) (application.Application, error) {
	if !gjson.ValidBytes(raw) {
		return application.Application{}, fmt.Errorf("invalid application JSON")
	}
	r := gjson.ParseBytes(raw)

	app := application.Application{
		ID:                    r.Get("id").String(),
		Number:                r.Get("number").Int(),
		Name:                  r.Get("name").String(),
		Organization:          r.Get("organization").String(),
		Status:                application.ParseStatus(r.Get("status").String()),
		ActorID:               r.Get("actorId").String(),
		Address:               r.Get("address").String(),
		Datacap:               decimalText(r.Get("datacap")),
		RKHApprovalsThreshold: int(r.Get("rkhApprovalsThreshold").Int()),
		GithubPRLink:          r.Get("githubPrLink").String(),
		GithubPRNumber:        r.Get("githubPrNumber").String(),
	}
	for _, v := range r.Get("rkhApprovals").Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			app.RKHApprovals = append(app.RKHApprovals, s)
		}
	}
	if tx := r.Get("pendingRkhTx"); tx.IsObject() {
		app.PendingRKHTx = &application.PendingTx{
			ID:       tx.Get("id").Uint(),
			Proposer: tx.Get("proposer").String(),
		}
	}

	if err := app.Validate(); err != nil {
		return application.Application{}, err
	}
	return app, nil
}

func decimalText(v gjson.Result) string {
	if v.Type == gjson.Number {
		return v.Raw
	}
	return strings.TrimSpace(v.String())
}

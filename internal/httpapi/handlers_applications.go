package httpapi

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/JAG-UK/rkh-frontend/internal/domain/account"
	"github.com/JAG-UK/rkh-frontend/internal/domain/application"
	"github.com/JAG-UK/rkh-frontend/internal/errors"
	"github.com/JAG-UK/rkh-frontend/internal/governance"
	internalhttputil "github.com/JAG-UK/rkh-frontend/internal/httputil"
	"github.com/JAG-UK/rkh-frontend/internal/policy"
	"github.com/JAG-UK/rkh-frontend/internal/registry"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type applicationsResponse struct {
	Applications []application.Application `json:"applications"`
	Total        int                       `json:"total"`
	Page         int                       `json:"page"`
	Limit        int                       `json:"limit"`
}

type statusView struct {
	Value       application.Status `json:"value"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
}

type actionResponse struct {
	Application string                  `json:"applicationId"`
	Status      statusView              `json:"status"`
	Account     account.Account         `json:"account"`
	Action      policy.ActionDescriptor `json:"action"`
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		internalhttputil.WriteServiceError(w, r, err)
		return
	}

	if s.cache != nil {
		if apps, ok := s.cache.List(opts.Status); ok {
			internalhttputil.WriteJSON(w, http.StatusOK, paginate(filterSearch(apps, opts.Search), opts))
			return
		}
	}

	ctx, cancel := s.withTimeout(r)
	defer cancel()
	page, err := s.applications.ListApplications(ctx, opts)
	if err != nil {
		internalhttputil.WriteServiceError(w, r, err)
		return
	}
	internalhttputil.WriteJSON(w, http.StatusOK, applicationsResponse{
		Applications: page.Applications,
		Total:        page.Total,
		Page:         opts.Page,
		Limit:        opts.Limit,
	})
}

func listOptions(r *http.Request) (registry.ListOptions, error) {
	q := r.URL.Query()
	opts := registry.ListOptions{Page: 1, Limit: defaultPageSize}

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return opts, errors.InvalidInput("page", "must be a positive integer")
		}
		opts.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			return opts, errors.InvalidInput("limit", "must be between 1 and 100")
		}
		opts.Limit = n
	}
	if v := q.Get("status"); v != "" {
		opts.Status = application.ParseStatus(v)
	}
	opts.Search = strings.TrimSpace(q.Get("search"))
	return opts, nil
}

func filterSearch(apps []application.Application, search string) []application.Application {
	if search == "" {
		return apps
	}
	needle := strings.ToLower(search)
	out := apps[:0:0]
	for _, a := range apps {
		if strings.Contains(strings.ToLower(a.Name), needle) ||
			strings.Contains(strings.ToLower(a.Organization), needle) ||
			strings.Contains(strings.ToLower(a.Address), needle) ||
			strings.EqualFold(a.ID, search) {
			out = append(out, a)
		}
	}
	return out
}

// paginate orders by application number, newest first.
func paginate(apps []application.Application, opts registry.ListOptions) applicationsResponse {
	sorted := append([]application.Application(nil), apps...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Number > sorted[j].Number })

	start := (opts.Page - 1) * opts.Limit
	if start > len(sorted) {
		start = len(sorted)
	}
	end := start + opts.Limit
	if end > len(sorted) {
		end = len(sorted)
	}
	return applicationsResponse{
		Applications: sorted[start:end],
		Total:        len(sorted),
		Page:         opts.Page,
		Limit:        opts.Limit,
	}
}

// lookup prefers the cached snapshot unless fresh data is required.
func (s *Server) lookup(r *http.Request, id string, fresh bool) (application.Application, error) {
	if !fresh && s.cache != nil {
		if app, ok := s.cache.Get(id); ok {
			return app, nil
		}
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	return s.applications.GetApplication(ctx, id)
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.lookup(r, mux.Vars(r)["id"], false)
	if err != nil {
		internalhttputil.WriteServiceError(w, r, err)
		return
	}
	internalhttputil.WriteJSON(w, http.StatusOK, app)
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	app, err := s.lookup(r, mux.Vars(r)["id"], false)
	if err != nil {
		internalhttputil.WriteServiceError(w, r, err)
		return
	}
	acct, ok := s.sessions.Current()
	if !ok {
		acct = account.Guest()
	}
	internalhttputil.WriteJSON(w, http.StatusOK, actionResponse{
		Application: app.ID,
		Status: statusView{
			Value:       app.Status,
			Name:        app.Status.DisplayName(),
			Description: app.Status.Description(),
		},
		Account: acct,
		Action:  policy.ResolveFor(app, acct),
	})
}

// handleExecute runs the caller's permitted action against the registry's
// current view of the application.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req governance.ExecuteRequest
	if r.ContentLength != 0 {
		if err := internalhttputil.ReadJSON(r, &req); err != nil {
			internalhttputil.WriteServiceError(w, r, errors.InvalidInput("body", err.Error()))
			return
		}
	}

	app, err := s.lookup(r, mux.Vars(r)["id"], true)
	if err != nil {
		internalhttputil.WriteServiceError(w, r, err)
		return
	}

	res, err := s.executor.Execute(r.Context(), app, req)
	if err != nil {
		internalhttputil.WriteServiceError(w, r, err)
		return
	}
	internalhttputil.WriteJSON(w, http.StatusOK, res)
}

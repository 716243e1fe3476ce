package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
)

// RegistryServer is an in-memory application registry served over HTTP in
// the registry's response envelope. Records are kept as raw JSON objects so
// tests can exercise numeric and string datacap alike.
type RegistryServer struct {
	*httptest.Server

	mu      sync.Mutex
	apps    map[string]map[string]any
	roles   map[string]string
	kyc     []map[string]any
	reviews []map[string]any
	lists   int
}

// NewRegistryServer starts an empty registry.
func NewRegistryServer() *RegistryServer {
	s := &RegistryServer{
		apps:  make(map[string]map[string]any),
		roles: make(map[string]string),
	}

	r := mux.NewRouter()
	r.HandleFunc("/applications", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/applications/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/applications/{id}/kyc/override", s.handleKYC).Methods(http.MethodPost)
	r.HandleFunc("/applications/{id}/governance-review", s.handleReview).Methods(http.MethodPost)
	r.HandleFunc("/roles", s.handleRole).Methods(http.MethodGet)

	s.Server = httptest.NewServer(r)
	return s
}

// Put stores or replaces an application record. The record must carry an
// "id".
func (s *RegistryServer) Put(record map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ := record["id"].(string)
	cp := make(map[string]any, len(record))
	for k, v := range record {
		cp[k] = v
	}
	s.apps[id] = cp
}

// SetRole assigns a governance role to an address.
func (s *RegistryServer) SetRole(address, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[address] = role
}

// KYCOverrides returns the override payloads received so far.
func (s *RegistryServer) KYCOverrides() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.kyc...)
}

// GovernanceReviews returns the review payloads received so far.
func (s *RegistryServer) GovernanceReviews() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.reviews...)
}

// ListCalls is the number of list requests served.
func (s *RegistryServer) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

func (s *RegistryServer) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++

	status := r.URL.Query().Get("status")
	ids := make([]string, 0, len(s.apps))
	for id, rec := range s.apps {
		if status != "" && rec["status"] != status {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	page, limit := atoiOr(r.URL.Query().Get("page"), 1), atoiOr(r.URL.Query().Get("limit"), len(ids))
	start := (page - 1) * limit
	if start > len(ids) {
		start = len(ids)
	}
	end := start + limit
	if end > len(ids) || limit <= 0 {
		end = len(ids)
	}

	items := make([]map[string]any, 0, end-start)
	for _, id := range ids[start:end] {
		items = append(items, s.apps[id])
	}
	writeEnvelope(w, http.StatusOK, map[string]any{
		"applications": items,
		"pagination":   map[string]any{"totalCount": len(ids)},
	})
}

func (s *RegistryServer) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.apps[mux.Vars(r)["id"]]
	if !ok {
		writeEnvelope(w, http.StatusNotFound, map[string]any{"message": "not found"})
		return
	}
	writeEnvelope(w, http.StatusOK, rec)
}

func (s *RegistryServer) handleRole(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[r.URL.Query().Get("address")]
	if !ok {
		writeEnvelope(w, http.StatusNotFound, map[string]any{"message": "unknown address"})
		return
	}
	writeEnvelope(w, http.StatusOK, map[string]any{"role": role})
}

// handleKYC records the override; an approval moves the application on to
// governance review.
func (s *RegistryServer) handleKYC(w http.ResponseWriter, r *http.Request) {
	body, ok := s.mutation(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kyc = append(s.kyc, body)
	if body["action"] == "approve" {
		s.apps[mux.Vars(r)["id"]]["status"] = "GOVERNANCE_REVIEW_PHASE"
	}
	writeEnvelope(w, http.StatusOK, map[string]any{})
}

// handleReview records the review and moves the application on to root key
// holder approval.
func (s *RegistryServer) handleReview(w http.ResponseWriter, r *http.Request) {
	body, ok := s.mutation(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews = append(s.reviews, body)
	s.apps[mux.Vars(r)["id"]]["status"] = "RKH_APPROVAL_PHASE"
	writeEnvelope(w, http.StatusOK, map[string]any{})
}

func (s *RegistryServer) mutation(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	s.mu.Lock()
	_, exists := s.apps[mux.Vars(r)["id"]]
	s.mu.Unlock()
	if !exists {
		writeEnvelope(w, http.StatusNotFound, map[string]any{"message": "not found"})
		return nil, false
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return nil, false
	}
	return body, true
}

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

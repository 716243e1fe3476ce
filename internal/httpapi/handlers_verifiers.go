package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/JAG-UK/rkh-frontend/internal/domain/intent"
	"github.com/JAG-UK/rkh-frontend/internal/errors"
	internalhttputil "github.com/JAG-UK/rkh-frontend/internal/httputil"
	"github.com/JAG-UK/rkh-frontend/internal/verifier"
)

type proposeRequest struct {
	VerifierAddress string `json:"verifierAddress"`
	Datacap         string `json:"datacap"`
	ApplicationID   string `json:"applicationId,omitempty"`
}

type approveRequest struct {
	VerifierAddress string `json:"verifierAddress"`
	Datacap         string `json:"datacap"`
	FromAccount     string `json:"fromAccount"`
	TransactionID   uint64 `json:"transactionId"`
	ApplicationID   string `json:"applicationId,omitempty"`
}

type messageResponse struct {
	MessageID string `json:"messageId"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := internalhttputil.ReadJSON(r, &req); err != nil {
		internalhttputil.WriteServiceError(w, r, errors.InvalidInput("body", err.Error()))
		return
	}
	if strings.TrimSpace(req.VerifierAddress) == "" {
		internalhttputil.WriteServiceError(w, r, errors.InvalidInput("verifierAddress", "required"))
		return
	}

	ctx := verifier.WithApplication(r.Context(), req.ApplicationID)
	msgID, err := s.verifiers.ProposeAddVerifier(ctx, req.VerifierAddress, req.Datacap)
	if err != nil {
		internalhttputil.WriteServiceError(w, r, err)
		return
	}
	internalhttputil.WriteJSON(w, http.StatusAccepted, messageResponse{MessageID: msgID})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := internalhttputil.ReadJSON(r, &req); err != nil {
		internalhttputil.WriteServiceError(w, r, errors.InvalidInput("body", err.Error()))
		return
	}
	if strings.TrimSpace(req.VerifierAddress) == "" {
		internalhttputil.WriteServiceError(w, r, errors.InvalidInput("verifierAddress", "required"))
		return
	}
	if strings.TrimSpace(req.FromAccount) == "" {
		internalhttputil.WriteServiceError(w, r, errors.InvalidInput("fromAccount", "required"))
		return
	}

	ctx := verifier.WithApplication(r.Context(), req.ApplicationID)
	msgID, err := s.verifiers.AcceptVerifierProposal(ctx, req.VerifierAddress, req.Datacap, req.FromAccount, req.TransactionID)
	if err != nil {
		internalhttputil.WriteServiceError(w, r, err)
		return
	}
	internalhttputil.WriteJSON(w, http.StatusAccepted, messageResponse{MessageID: msgID})
}

// =============================================================================
// Intents
// =============================================================================

const maxIntents = 200

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	if s.intents == nil {
		internalhttputil.WriteJSON(w, http.StatusOK, map[string]any{"intents": []intent.Intent{}})
		return
	}

	q := r.URL.Query()
	filter := intent.Filter{
		Account:       q.Get("account"),
		ApplicationID: q.Get("applicationId"),
		Kind:          intent.Kind(q.Get("kind")),
		Limit:         50,
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		internalhttputil.WriteServiceError(w, r, errors.InvalidInput("kind", "unknown intent kind"))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxIntents {
			internalhttputil.WriteServiceError(w, r, errors.InvalidInput("limit", "must be between 1 and 200"))
			return
		}
		filter.Limit = n
	}

	ctx, cancel := s.withTimeout(r)
	defer cancel()
	list, err := s.intents.ListIntents(ctx, filter)
	if err != nil {
		internalhttputil.WriteServiceError(w, r, errors.Internal("list intents", err))
		return
	}
	if list == nil {
		list = []intent.Intent{}
	}
	internalhttputil.WriteJSON(w, http.StatusOK, map[string]any{"intents": list})
}

package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"marketflow/activity"
	"marketflow/apperr"
	"marketflow/dispute"
	"marketflow/risk"
)

var errRelayDisabled = apperr.New(apperr.Server, "api: outbox relay not configured")

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	records, err := s.disputes.List(r.Context(), principal(r), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[disputeResponse]{Items: presentAll(records, presentDispute)})
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req dispute.OpenRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.disputes.Open(r.Context(), principal(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, presentDispute(rec))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.disputes.Get(r.Context(), principal(r), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentDispute(rec))
}

func (s *Server) handleListEvidence(w http.ResponseWriter, r *http.Request) {
	items, err := s.disputes.ListEvidence(r.Context(), principal(r), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[evidenceResponse]{Items: presentAll(items, presentEvidence)})
}

func (s *Server) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	var req dispute.EvidenceRequest
	if !s.decode(w, r, &req) {
		return
	}
	ev, err := s.disputes.SubmitEvidence(r.Context(), principal(r), chi.URLParam(r, "disputeID"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, presentEvidence(ev))
}

func (s *Server) handleRequestUpload(w http.ResponseWriter, r *http.Request) {
	var req dispute.UploadRequest
	if !s.decode(w, r, &req) {
		return
	}
	signed, err := s.disputes.RequestUpload(r.Context(), principal(r), chi.URLParam(r, "disputeID"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, signed)
}

func (s *Server) handleEvidenceURL(w http.ResponseWriter, r *http.Request) {
	signed, err := s.disputes.EvidenceURL(r.Context(), principal(r), chi.URLParam(r, "disputeID"), chi.URLParam(r, "evidenceID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, signed)
}

func (s *Server) handleListResolutions(w http.ResponseWriter, r *http.Request) {
	items, err := s.disputes.ListResolutions(r.Context(), principal(r), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[resolutionResponse]{Items: presentAll(items, presentResolution)})
}

func (s *Server) handleProposeResolution(w http.ResponseWriter, r *http.Request) {
	var req dispute.ProposalRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.disputes.ProposeResolution(r.Context(), principal(r), chi.URLParam(r, "disputeID"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, presentResolution(res))
}

func (s *Server) handleRespondResolution(w http.ResponseWriter, r *http.Request) {
	accept := chi.URLParam(r, "action") == "accept"
	rec, err := s.disputes.RespondToResolution(r.Context(), principal(r), chi.URLParam(r, "disputeID"), chi.URLParam(r, "resolutionID"), accept)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentDispute(rec))
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	if !s.decodeOptional(w, r, &req) {
		return
	}
	rec, err := s.disputes.Escalate(r.Context(), principal(r), chi.URLParam(r, "disputeID"), req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentDispute(rec))
}

func (s *Server) handleWithdrawDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.disputes.Withdraw(r.Context(), principal(r), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentDispute(rec))
}

func (s *Server) handleSummarizeDispute(w http.ResponseWriter, r *http.Request) {
	summary, err := s.disputes.Summarize(r.Context(), principal(r), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

func (s *Server) handleDisputeTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "disputeID")
	if _, err := s.disputes.Get(r.Context(), principal(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeTimeline(w, r, activity.SubjectDispute, id)
}

func (s *Server) handleAdminDisputes(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = string(dispute.StatusEscalated)
	}
	records, err := s.disputes.List(r.Context(), principal(r), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[disputeResponse]{Items: presentAll(records, presentDispute)})
}

func (s *Server) handleDecideDispute(w http.ResponseWriter, r *http.Request) {
	var req dispute.ProposalRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.disputes.Decide(r.Context(), principal(r), chi.URLParam(r, "disputeID"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentDispute(rec))
}

func (s *Server) handleRiskReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.risk.Report(r.Context(), principal(r), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if report.Flags == nil {
		report.Flags = []risk.Flag{}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListRiskFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.risk.ListOpen(r.Context(), principal(r), r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if flags == nil {
		flags = []risk.Flag{}
	}
	writeJSON(w, http.StatusOK, listResponse[risk.Flag]{Items: flags})
}

func (s *Server) handleResolveRiskFlag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	flag, err := s.risk.Resolve(r.Context(), principal(r), chi.URLParam(r, "flagID"), req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

func (s *Server) handleRiskScan(w http.ResponseWriter, r *http.Request) {
	flags, err := s.risk.Scan(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if flags == nil {
		flags = []risk.Flag{}
	}
	writeJSON(w, http.StatusOK, listResponse[risk.Flag]{Items: flags})
}

func (s *Server) handleRequeueOutbox(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		s.writeError(w, r, errRelayDisabled)
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if !s.decodeOptional(w, r, &req) {
		return
	}
	n, err := s.relay.RequeueDead(r.Context(), req.IDs...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"requeued": n})
}

// handleEvents streams the caller's notifications over SSE. The server write
// timeout is lifted for the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	s.hub.Handler(s.keepalive).ServeHTTP(w, r)
}

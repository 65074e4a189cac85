package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"marketflow/auth"
	"marketflow/notify"
	"marketflow/profile"
	"marketflow/review"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, presentUser(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: res.Token, User: presentUser(res.User)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.authService.GetUserByID(r.Context(), principal(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentUser(*user))
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.profiles.List(r.Context(), profile.ListFilter{
		Category:     r.URL.Query().Get("category"),
		VerifiedOnly: queryBool(r, "verified"),
		Limit:        queryInt(r, "limit", 20),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[profileResponse]{Items: presentAll(profiles, presentProfile)})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.GetByID(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentProfile(p))
}

func (s *Server) handleUpsertProfile(w http.ResponseWriter, r *http.Request) {
	var req profile.UpsertRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.profiles.Upsert(r.Context(), principal(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentProfile(p))
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reviews.ListForUser(r.Context(), chi.URLParam(r, "userID"), queryInt(r, "page", 1), queryInt(r, "page_size", 20))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if summary.Reviews == nil {
		summary.Reviews = []review.Review{}
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	var req review.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	rv, err := s.reviews.Create(r.Context(), principal(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rv)
}

func (s *Server) handleRespondReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Response string `json:"response"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	rv, err := s.reviews.Respond(r.Context(), principal(r), chi.URLParam(r, "reviewID"), req.Response)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rv)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	items, err := s.notifications.List(r.Context(), principal(r), queryBool(r, "unread"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, listResponse[notify.Notification]{Items: items})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.notifications.MarkRead(r.Context(), principal(r), chi.URLParam(r, "notificationID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	count, err := s.notifications.MarkAllRead(r.Context(), principal(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": count})
}

func (s *Server) handleSuspendUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.authService.Suspend(r.Context(), principal(r), chi.URLParam(r, "userID"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentUser(*user))
}

func (s *Server) handleReinstateUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.authService.Reinstate(r.Context(), principal(r), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentUser(*user))
}

func (s *Server) handleVerifyProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Verified bool `json:"verified"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.profiles.SetVerified(r.Context(), principal(r), chi.URLParam(r, "userID"), req.Verified)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentProfile(p))
}

package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"marketflow/apperr"
	"marketflow/config"
)

const maxBodyBytes = 1 << 20

var (
	errMissingToken = apperr.New(apperr.Auth, "api: missing bearer token")
	errBadBody      = apperr.New(apperr.Validation, "api: invalid request body")
	errPanic        = apperr.New(apperr.Server, "api: internal error")
	errBadSignature = apperr.New(apperr.Auth, "api: invalid webhook secret")
)

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Retryable bool   `json:"retryable"`
}

type listResponse[T any] struct {
	Items []T  `json:"items"`
	Total *int `json:"total,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError classifies err and renders it as the standard error envelope.
// Server errors are logged; their detail never reaches the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	c := apperr.Classify(err)
	status := apperr.HTTPStatus(c.Category)
	reqID := middleware.GetReqID(r.Context())

	body := errorDetail{
		Code:      string(c.Category),
		Message:   c.Message,
		RequestID: reqID,
		Retryable: c.Retryable,
	}
	if c.Category != apperr.Server {
		body.Detail = c.Detail
	}

	if status >= http.StatusInternalServerError {
		config.LogError(s.logger, "api", "writeError", r.Method+" "+r.URL.Path, logrus.Fields{"request_id": reqID}, err)
	} else {
		s.logger.WithFields(logrus.Fields{
			"component":  "api",
			"request_id": reqID,
			"category":   c.Category,
		}).Debug(err.Error())
	}
	writeJSON(w, status, errorResponse{Error: body})
}

// decode reads a JSON body into dst, writing a validation error on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			s.writeError(w, r, apperr.Wrap(apperr.Validation, "api: request body required", err))
			return false
		}
		s.writeError(w, r, errors.Join(errBadBody, err))
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body may be empty.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return s.decode(w, r, dst)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

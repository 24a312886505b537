// Package server is the thin HTTP front the workflow controller talks to.
// It owns request decoding and response encoding only; every decision
// about how an invocation runs belongs to internal/dispatcher.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/shark-wasm/wasm-workflows-plugin/internal/dispatcher"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/plugin/model"
)

// Server adapts net/http to the Dispatcher, matching the teacher's
// plain-net/http style (no web framework anywhere in the pack's own
// services).
type Server struct {
	dispatcher *dispatcher.Dispatcher
	mode       dispatcher.Mode
	s3         *model.S3Credentials
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New builds a Server. mode and s3 are process-wide: every request is
// executed in the same mode, against the same resolved artifact-store
// credentials (or none, if artifacts are unsupported for this process).
func New(d *dispatcher.Dispatcher, mode dispatcher.Mode, s3 *model.S3Credentials, logger *zap.Logger) *Server {
	s := &Server{dispatcher: d, mode: mode, s3: s3, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("/api/v1/template.execute", s.handleExecuteTemplate)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleExecuteTemplate decodes one ExecuteTemplateRequest, runs it through
// the Dispatcher, and encodes the response. HTTP 200 is used even when the
// module itself reported Phase Failed; only a Go error surfacing out of the
// Dispatcher produces a non-200 status, per the error-propagation policy.
func (s *Server) handleExecuteTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req model.ExecuteTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("server: decode request failed", zap.Error(err))
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	execReq := dispatcher.ExecRequest{
		Image:       req.Template.Plugin.Wasm.Module.OCI,
		Invocation:  req.ToInvocation(),
		Permissions: derefPerms(req.Template.Plugin.Wasm.Perms),
		S3:          s.s3,
	}

	result, err := s.dispatcher.Run(r.Context(), s.mode, execReq)
	if err != nil {
		s.writeInfrastructureError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, model.ExecuteTemplateResponse{
		Node: ptr(model.ResultToTemplateResult(result)),
	})
}

func (s *Server) writeInfrastructureError(w http.ResponseWriter, err error) {
	var de *dispatcher.Error
	status := http.StatusInternalServerError
	message := err.Error()
	if errors.As(err, &de) {
		s.logger.Error("server: dispatcher error", zap.String("kind", string(de.Kind)), zap.Error(de.Err))
		if de.Kind == dispatcher.KindTimeout {
			status = http.StatusGatewayTimeout
		}
	} else {
		s.logger.Error("server: unclassified dispatcher error", zap.Error(err))
	}

	s.writeJSON(w, status, model.ExecuteTemplateResponse{
		Node: ptr(model.ExecuteTemplateResult{Phase: model.PhaseFailed, Message: message}),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("server: encode response failed", zap.Error(err))
	}
}

func derefPerms(p *model.ModulePermissions) model.ModulePermissions {
	if p == nil {
		return model.ModulePermissions{}
	}
	return *p
}

func ptr[T any](v T) *T { return &v }

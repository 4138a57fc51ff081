package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/sandcastle/internal/sandbox"
	"github.com/michaelbrown/sandcastle/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Execution handlers ---

// statusFor maps an engine error to the HTTP status of its response. User
// code failures are not engine errors and answer 200.
func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch sandbox.KindOf(err) {
	case sandbox.KindRequestValidation:
		return http.StatusBadRequest
	case sandbox.KindEnvironmentNotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeError wraps a body that never became a request.
func decodeError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		err = errors.New("request body too large")
	}
	return &sandbox.Error{Kind: sandbox.KindRequestValidation, Op: "decode", Err: err}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req sandbox.ExecutionRequest
	if err := decodeJSON(r, &req); err != nil {
		err = decodeError(err)
		writeJSON(w, statusFor(err), sandbox.FailureResult(err, time.Since(start)))
		return
	}

	result, err := s.engine.Exec(r.Context(), req)
	if err != nil {
		s.logger.Warn().Err(err).Str("kind", sandbox.KindOf(err).String()).Msg("execution failed")
	}
	if result == nil {
		result = sandbox.FailureResult(err, time.Since(start))
	}
	writeJSON(w, statusFor(err), result)
}

type healthResponse struct {
	Status        string  `json:"status"`
	State         string  `json:"state"`
	EnvironmentID string  `json:"environment_id,omitempty"`
	Executions    uint64  `json:"executions"`
	Recycles      uint64  `json:"recycles"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	LastError     string  `json:"last_error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	resp := healthResponse{
		Status:        "ok",
		State:         st.State.String(),
		EnvironmentID: st.EnvironmentID,
		Executions:    st.Executions,
		Recycles:      st.Recycles,
		UptimeSeconds: time.Since(s.started).Seconds(),
		LastError:     st.LastError,
	}

	code := http.StatusOK
	if st.State == sandbox.StateFailed {
		resp.Status = "failed"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// --- Journal handlers ---

func (s *Server) journal(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "execution journal is disabled")
		return false
	}
	return true
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if !s.journal(w) {
		return
	}
	q := r.URL.Query()
	opts := storage.ListOptions{
		Status:    storage.Status(q.Get("status")),
		ErrorType: q.Get("error_type"),
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	execs, err := s.store.ListExecutions(r.Context(), opts)
	if err != nil {
		if strings.Contains(err.Error(), "unknown status") {
			writeError(w, http.StatusBadRequest, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if execs == nil {
		execs = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if !s.journal(w) {
		return
	}
	id := chi.URLParam(r, "id")
	e, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "not found"):
			writeError(w, http.StatusNotFound, "execution not found")
		case strings.Contains(err.Error(), "ambiguous"):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.journal(w) {
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

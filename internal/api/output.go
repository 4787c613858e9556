package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tgrahn/anvil/internal/store"
)

// outputLine is a single line in the output history response.
type outputLine struct {
	Host      string `json:"host"`
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// outputResponse is the JSON response for GET /v1/jobs/:id/output.
type outputResponse struct {
	JobID string       `json:"job_id"`
	Host  string       `json:"host,omitempty"`
	Lines []outputLine `json:"lines"`
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	host := r.URL.Query().Get("host")

	rows, err := s.engine.OutputLines(r.Context(), id, host)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get output lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get output")
		return
	}

	lines := make([]outputLine, len(rows))
	for i, l := range rows {
		lines[i] = outputLine{
			Host:      l.Host,
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, outputResponse{
		JobID: id,
		Host:  host,
		Lines: lines,
	})
}

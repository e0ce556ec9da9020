package status

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/stitchd/stitch/cfg"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"node_id":        cfg.Config.NodeID,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"trackers":       s.statuses(),
	})
}

func (s *Server) handleTrackers(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, s.statuses())
}

func (s *Server) handleTracker(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	for _, st := range s.statuses() {
		if st.Category == category {
			writeJSONResponse(w, st)
			return
		}
	}
	writeErrorResponse(w, http.StatusNotFound, "no tracker for category "+category)
}

// authMiddleware validates the upstream auth token when one is
// configured; without a token the status API is open.
func authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := cfg.Config.Upstream.AuthToken
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get("X-Stitch-Token")
		if provided == "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			provided = parts[1]
		}

		if provided != token {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

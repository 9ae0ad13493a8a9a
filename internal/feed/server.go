package feed

import (
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"example.com/buskercal/internal/domain"
	"example.com/buskercal/internal/extract"
)

// Server exposes the mock feed over HTTP.
type Server struct {
	store     *Store
	accessKey string
	logger    *slog.Logger
}

func NewServer(store *Store, accessKey string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, accessKey: accessKey, logger: logger}
}

// Router wires admin routes under /feed and the guarded schedule route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/feed", func(r chi.Router) {
		r.Get("/slots", s.handleListSlots)
		r.Post("/slots", s.handleCreateSlot)
		r.Post("/slots/random", s.handleRandomSlot)
		r.Delete("/slots/{slotID}", s.handleDeleteSlot)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAccessKey)
		r.Get(extract.SchedulePath, s.handleSchedule)
	})
	return r
}

func (s *Server) handleCreateSlot(w http.ResponseWriter, r *http.Request) {
	var payload domain.RawRecord
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	slot, err := s.store.CreateSlot(r.Context(), payload)
	if err != nil {
		if IsValidation(err) {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, slot)
}

func (s *Server) handleRandomSlot(w http.ResponseWriter, r *http.Request) {
	slot, err := s.store.CreateRandomSlot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, slot)
}

func (s *Server) handleDeleteSlot(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSlot(r.Context(), chi.URLParam(r, "slotID")); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "slot not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseDateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	slots, err := s.store.ListSlots(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if slots == nil {
		slots = []Slot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots, "total": len(slots)})
}

// handleSchedule serves the extractor-facing schedule.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseDateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	slots, err := s.store.ListSlots(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	resp := extract.ScheduleResponse{Slots: make([]domain.RawRecord, 0, len(slots))}
	for _, sl := range slots {
		resp.Slots = append(resp.Slots, sl.RawRecord)
	}
	s.logger.Debug("schedule served", "slots", len(resp.Slots))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requireAccessKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Access-Key"))
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing X-Access-Key header")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.accessKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid access key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseDateRange(r *http.Request) (string, string, error) {
	from := strings.TrimSpace(r.URL.Query().Get("from"))
	to := strings.TrimSpace(r.URL.Query().Get("to"))
	for _, v := range []string{from, to} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(domain.DateLayout, v); err != nil {
			return "", "", fmt.Errorf("invalid date %q, use YYYY-MM-DD", v)
		}
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": strings.TrimSpace(fmt.Sprintf(format, args...)),
			"status":  status,
		},
	})
}

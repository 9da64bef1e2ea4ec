package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/starfariii/coinflip1/internal/auth"
	"github.com/starfariii/coinflip1/internal/coinflip"
	"github.com/starfariii/coinflip1/internal/config"
	"github.com/starfariii/coinflip1/internal/notify"
)

type contextKey string

const userContextKey contextKey = "user"

type UserContext struct {
	UserID string
	Email  string
	Token  string
}

type Server struct {
	cfg   config.APIConfig
	log   *slog.Logger
	auth  auth.Provider
	games *coinflip.Service
	hub   *notify.Hub
	mux   *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, provider auth.Provider, games *coinflip.Service, hub *notify.Hub) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:   cfg,
		log:   logger,
		auth:  provider,
		games: games,
		hub:   hub,
		mux:   chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Post("/auth/signup", s.handleSignup)
			r.Post("/auth/login", s.handleLogin)

			r.Group(func(r chi.Router) {
				r.Use(s.authMiddleware)
				r.Get("/catalog", s.handleCatalog)
				r.Get("/inventory", s.handleInventory)
				r.Get("/history", s.handleHistory)

				r.Get("/matches", s.handleMatchesList)
				r.Post("/matches", s.handleCreateMatch)
				r.Get("/matches/{id}", s.handleMatchDetail)
				r.Post("/matches/{id}/join", s.handleJoinMatch)
				r.Delete("/matches/{id}", s.handleCancelMatch)
			})
		})

		// Long-lived stream, so no request timeout.
		r.With(s.authMiddleware).Get("/events", s.handleEvents)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			// EventSource cannot set headers.
			token = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.auth.VerifyAccessToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid token: %v", err))
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, UserContext{
			UserID: user.ID,
			Email:  user.Email,
			Token:  token,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) (UserContext, error) {
	v := ctx.Value(userContextKey)
	user, ok := v.(UserContext)
	if !ok || user.UserID == "" {
		return UserContext{}, errors.New("missing auth context")
	}
	return user, nil
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.auth.SignUp(r.Context(), strings.TrimSpace(in.Email), strings.TrimSpace(in.Password))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if session.User.ID != "" {
		if _, err := s.games.EnsurePlayer(r.Context(), session.User.ID); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.auth.Login(r.Context(), strings.TrimSpace(in.Email), strings.TrimSpace(in.Password))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if _, err := s.games.EnsurePlayer(r.Context(), session.User.ID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	items, err := s.games.Catalog(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.games.Inventory(r.Context(), user.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}
	out, err := s.games.History(r.Context(), user.UserID, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

func (s *Server) handleMatchesList(w http.ResponseWriter, r *http.Request) {
	out, err := s.games.ListActiveMatches(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": out})
}

func (s *Server) handleMatchDetail(w http.ResponseWriter, r *http.Request) {
	out, err := s.games.GetMatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Side  string              `json:"side"`
		Items []coinflip.StakeRef `json:"items"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.games.CreateMatch(r.Context(), coinflip.CreateMatchInput{
		ActorID:        user.UserID,
		Side:           coinflip.Side(in.Side),
		Items:          in.Items,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleJoinMatch(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Items []coinflip.StakeRef `json:"items"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.games.JoinMatch(r.Context(), coinflip.JoinMatchInput{
		ActorID:        user.UserID,
		MatchID:        chi.URLParam(r, "id"),
		Items:          in.Items,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	// The flip is decided but not yet disclosed.
	writeJSON(w, http.StatusAccepted, out)
}

func (s *Server) handleCancelMatch(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.games.CancelMatch(r.Context(), coinflip.CancelMatchInput{
		ActorID:        user.UserID,
		MatchID:        id,
		IdempotencyKey: idempotencyKey(r),
	}); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "match_id": id})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coinflip.ErrNotFound):
		writeCodedError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, coinflip.ErrForbidden):
		writeCodedError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, coinflip.ErrAlreadyTaken):
		writeCodedError(w, http.StatusConflict, "already_taken", err.Error())
	case errors.Is(err, coinflip.ErrInvalidState):
		writeCodedError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, coinflip.ErrValueOutOfRange):
		writeCodedError(w, http.StatusUnprocessableEntity, "value_out_of_range", err.Error())
	case errors.Is(err, coinflip.ErrInsufficientStake):
		writeCodedError(w, http.StatusConflict, "insufficient_stake", err.Error())
	case errors.Is(err, coinflip.ErrEmptyStake):
		writeCodedError(w, http.StatusBadRequest, "empty_stake", err.Error())
	case errors.Is(err, coinflip.ErrTooManyItems):
		writeCodedError(w, http.StatusBadRequest, "too_many_items", err.Error())
	case errors.Is(err, coinflip.ErrInvalidSide):
		writeCodedError(w, http.StatusBadRequest, "invalid_side", err.Error())
	case errors.Is(err, coinflip.ErrDuplicateIdempotency):
		writeCodedError(w, http.StatusConflict, "duplicate_request", err.Error())
	case errors.Is(err, coinflip.ErrTxConflict):
		writeCodedError(w, http.StatusConflict, "tx_conflict", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeCodedError(w, http.StatusServiceUnavailable, "timeout", "request timed out")
	default:
		s.log.Error("request failed", "err", err)
		writeCodedError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func writeCodedError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message), "code": code})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

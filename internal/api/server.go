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

	"munymo/internal/auth"
	"munymo/internal/billing"
	"munymo/internal/config"
	"munymo/internal/game"
	"munymo/internal/metrics"
	"munymo/internal/notify"
	"munymo/internal/scheduler"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type contextKey string

const userContextKey contextKey = "user"

type UserContext struct {
	UserID string
	Email  string
	Token  string
}

type Authenticator interface {
	SignUp(ctx context.Context, email, password string) (auth.Session, error)
	Login(ctx context.Context, email, password string) (auth.Session, error)
	VerifyAccessToken(ctx context.Context, accessToken string) (auth.SupabaseUser, error)
}

type Games interface {
	EnsurePlayer(ctx context.Context, userID, email, username string) (game.Profile, error)
	IsAdmin(ctx context.Context, userID, email string) (bool, error)
	Me(ctx context.Context, userID, email string) (game.Me, error)

	TodayGame(ctx context.Context, userID string) (game.GameView, error)
	ListGames(ctx context.Context, userID string, page game.Page) ([]game.GameView, error)
	GameView(ctx context.Context, gameID int64, userID string) (game.GameView, error)
	SubmitPrediction(ctx context.Context, in game.PredictionInput) (game.Prediction, error)
	ListPredictions(ctx context.Context, userID string, page game.Page) ([]game.HistoryItem, error)

	Leaderboard(ctx context.Context, q game.LeaderboardQuery) (game.Leaderboard, error)
	FriendsLeaderboard(ctx context.Context, userID, sort string) (game.Leaderboard, error)
	MunyIQ(ctx context.Context, userID string) (game.MunyIQ, error)
	RefreshAllMunyIQ(ctx context.Context) (int, error)

	AddFriend(ctx context.Context, userID, inviteCode string) (game.Friend, error)
	RemoveFriend(ctx context.Context, userID, inviteCode string) error
	ListFriends(ctx context.Context, userID string) ([]game.Friend, error)

	GenerateGame(ctx context.Context, date time.Time) (game.Game, error)
	LockGame(ctx context.Context, gameID int64) (game.Game, error)
	SettleGame(ctx context.Context, gameID int64, force bool) (game.Game, error)
	VoidGame(ctx context.Context, gameID int64, reason string) (game.Game, error)
}

type Billing interface {
	Enabled() bool
	CreateCheckout(ctx context.Context, userID, email string) (string, error)
	CreatePortal(ctx context.Context, userID string) (string, error)
	Subscription(ctx context.Context, userID string) (billing.Subscription, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (string, error)
}

type Devices interface {
	RegisterDevice(ctx context.Context, userID, token, platform string) error
	UnregisterDevice(ctx context.Context, userID, token string) error
	SendToUsers(ctx context.Context, userIDs []string, msg notify.Message) (notify.Report, error)
	Broadcast(ctx context.Context, msg notify.Message) (notify.Report, error)
}

type Jobs interface {
	Jobs(ctx context.Context) ([]scheduler.Job, error)
	UpdateJob(ctx context.Context, name string, runAt *string, enabled *bool) (scheduler.Job, error)
	RunNow(ctx context.Context, name string) error
}

type Server struct {
	cfg     config.APIConfig
	log     *slog.Logger
	auth    Authenticator
	game    Games
	billing Billing
	devices Devices
	jobs    Jobs
	live    http.Handler
	metrics *metrics.Registry
	mux     *chi.Mux
}

type Option func(*Server)

func WithBilling(b Billing) Option {
	return func(s *Server) {
		s.billing = b
	}
}

func WithDevices(d Devices) Option {
	return func(s *Server) {
		s.devices = d
	}
}

func WithJobs(j Jobs) Option {
	return func(s *Server) {
		s.jobs = j
	}
}

// WithLive mounts the websocket feed at /v1/live.
func WithLive(h http.Handler) Option {
	return func(s *Server) {
		s.live = h
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func New(cfg config.APIConfig, logger *slog.Logger, authClient Authenticator, games Games, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:  cfg,
		log:  logger,
		auth: authClient,
		game: games,
		mux:  chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
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
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if s.live != nil {
			r.Method(http.MethodGet, "/live", s.live)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/auth/signup", s.handleSignup)
			r.Post("/auth/login", s.handleLogin)
			r.Post("/billing/webhook", s.handleStripeWebhook)

			r.Group(func(r chi.Router) {
				r.Use(s.authMiddleware)
				r.Get("/me", s.handleMe)
				r.Get("/games/today", s.handleTodayGame)
				r.Get("/games", s.handleListGames)
				r.Get("/games/{id}", s.handleGame)
				r.Post("/games/{id}/predictions", s.handlePredict)
				r.Get("/predictions", s.handleListPredictions)
				r.Post("/sync/replay", s.handleSyncReplay)

				r.Get("/leaderboard", s.handleLeaderboard)
				r.Get("/leaderboard/friends", s.handleLeaderboardFriends)
				r.Get("/munyiq", s.handleMunyIQ)

				r.Get("/friends", s.handleFriendsList)
				r.Post("/friends", s.handleFriendAdd)
				r.Delete("/friends/{invite_code}", s.handleFriendDelete)

				r.Post("/devices", s.handleDeviceRegister)
				r.Delete("/devices/{token}", s.handleDeviceDelete)

				r.Post("/billing/checkout", s.handleCheckout)
				r.Post("/billing/portal", s.handlePortal)
				r.Get("/billing/subscription", s.handleSubscription)

				r.Route("/admin", func(r chi.Router) {
					r.Use(s.adminMiddleware)
					r.Post("/games/generate", s.handleAdminGenerate)
					r.Post("/games/{id}/lock", s.handleAdminLock)
					r.Post("/games/{id}/settle", s.handleAdminSettle)
					r.Post("/games/{id}/void", s.handleAdminVoid)
					r.Post("/munyiq/refresh", s.handleAdminRefreshMunyIQ)
					r.Post("/notifications", s.handleAdminNotify)
					r.Get("/jobs", s.handleAdminJobs)
					r.Patch("/jobs/{name}", s.handleAdminUpdateJob)
					r.Post("/jobs/{name}/run", s.handleAdminRunJob)
				})
			})
		})
	})
}

// requestLogger records per-route latency and status. Routes are labelled by
// their chi pattern so ids do not explode metric cardinality.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
			s.metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		}
		if status >= http.StatusInternalServerError {
			s.log.Error("request failed", "method", r.Method, "route", route, "status", status,
				"duration_ms", elapsed.Milliseconds(), "request_id", middleware.GetReqID(r.Context()))
		}
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
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

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := userFromContext(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ok, err := s.game.IsAdmin(r.Context(), user.UserID, user.Email)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
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
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.auth.SignUp(r.Context(), strings.TrimSpace(in.Email), strings.TrimSpace(in.Password))
	if err != nil {
		writeAuthError(w, http.StatusBadRequest, err)
		return
	}
	if session.User.ID != "" {
		if _, err := s.game.EnsurePlayer(r.Context(), session.User.ID, session.User.Email, in.Username); err != nil {
			writeDomainError(w, err)
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
		writeAuthError(w, http.StatusUnauthorized, err)
		return
	}
	if _, err := s.game.EnsurePlayer(r.Context(), session.User.ID, session.User.Email, ""); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	me, err := s.game.Me(r.Context(), user.UserID, user.Email)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sub := billing.Subscription{Status: "none", Tier: billing.TierFree}
	if s.billingEnabled() {
		if sub, err = s.billing.Subscription(r.Context(), user.UserID); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, struct {
		game.Me
		Subscription billing.Subscription `json:"subscription"`
	}{me, sub})
}

func (s *Server) handleTodayGame(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.game.TodayGame(r.Context(), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListGames(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.game.ListGames(r.Context(), user.UserID, page)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"games": out, "page": page.Page, "page_size": page.PageSize})
}

func (s *Server) handleGame(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	id, err := gameIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.game.GameView(r.Context(), id, user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	id, err := gameIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in struct {
		Pick string `json:"pick"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.game.SubmitPrediction(r.Context(), game.PredictionInput{
		UserID:         user.UserID,
		GameID:         id,
		Pick:           in.Pick,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListPredictions(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.game.ListPredictions(r.Context(), user.UserID, page)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": out, "page": page.Page, "page_size": page.PageSize})
}

type replayResult struct {
	IdempotencyKey string           `json:"idempotency_key"`
	Status         string           `json:"status"`
	Error          string           `json:"error,omitempty"`
	Prediction     *game.Prediction `json:"prediction,omitempty"`
}

// handleSyncReplay applies predictions queued while the client was offline.
// Each item keeps the idempotency key it was queued with, so replays are safe.
func (s *Server) handleSyncReplay(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Predictions []struct {
			GameID         int64  `json:"game_id"`
			Pick           string `json:"pick"`
			IdempotencyKey string `json:"idempotency_key"`
		} `json:"predictions"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(in.Predictions) > 100 {
		writeError(w, http.StatusBadRequest, "at most 100 predictions per replay")
		return
	}
	results := make([]replayResult, 0, len(in.Predictions))
	for _, p := range in.Predictions {
		key := strings.TrimSpace(p.IdempotencyKey)
		if key == "" {
			key = uuid.NewString()
		}
		res := replayResult{IdempotencyKey: key}
		out, err := s.game.SubmitPrediction(r.Context(), game.PredictionInput{
			UserID:         user.UserID,
			GameID:         p.GameID,
			Pick:           p.Pick,
			IdempotencyKey: key,
		})
		switch {
		case err == nil:
			res.Status = "applied"
			res.Prediction = &out
		case errors.Is(err, game.ErrDuplicateIdempotency), errors.Is(err, game.ErrAlreadyPredicted):
			res.Status = "duplicate"
		case isReplayRejection(err):
			res.Status = "rejected"
			res.Error = err.Error()
		default:
			// Transient failure: the client keeps the pick and replays it later.
			s.log.Warn("sync replay item failed", "user_id", user.UserID, "game_id", p.GameID, "err", err)
			res.Status = "retry"
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// isReplayRejection reports whether a queued pick can never be applied.
func isReplayRejection(err error) bool {
	return errors.Is(err, game.ErrGameClosed) || errors.Is(err, game.ErrGameNotFound) ||
		errors.Is(err, game.ErrInvalidPick) || errors.Is(err, game.ErrGameState)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.game.Leaderboard(r.Context(), game.LeaderboardQuery{
		Sort: r.URL.Query().Get("sort"),
		Page: page,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLeaderboardFriends(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.game.FriendsLeaderboard(r.Context(), user.UserID, r.URL.Query().Get("sort"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMunyIQ(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.game.MunyIQ(r.Context(), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFriendsList(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.game.ListFriends(r.Context(), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"friends": out})
}

func (s *Server) handleFriendAdd(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		InviteCode string `json:"invite_code"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	friend, err := s.game.AddFriend(r.Context(), user.UserID, in.InviteCode)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, friend)
}

func (s *Server) handleFriendDelete(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err := s.game.RemoveFriend(r.Context(), user.UserID, chi.URLParam(r, "invite_code")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if s.devices == nil {
		writeError(w, http.StatusServiceUnavailable, "push notifications are not configured")
		return
	}
	var in struct {
		Token    string `json:"token"`
		Platform string `json:"platform"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.devices.RegisterDevice(r.Context(), user.UserID, in.Token, in.Platform); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func (s *Server) handleDeviceDelete(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if s.devices == nil {
		writeError(w, http.StatusServiceUnavailable, "push notifications are not configured")
		return
	}
	if err := s.devices.UnregisterDevice(r.Context(), user.UserID, chi.URLParam(r, "token")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, game.ErrGameNotFound), errors.Is(err, game.ErrPlayerNotFound),
		errors.Is(err, scheduler.ErrUnknownJob), errors.Is(err, billing.ErrNoCustomer):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, game.ErrInvalidPick), errors.Is(err, game.ErrInvalidDate), errors.Is(err, game.ErrInvalidSort),
		errors.Is(err, game.ErrSelfFollow), errors.Is(err, scheduler.ErrInvalidRunAt),
		errors.Is(err, notify.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, game.ErrGameClosed), errors.Is(err, game.ErrAlreadyPredicted),
		errors.Is(err, game.ErrGameExists), errors.Is(err, game.ErrGameState),
		errors.Is(err, game.ErrTooEarly), errors.Is(err, game.ErrDuplicateIdempotency),
		errors.Is(err, game.ErrTxConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, game.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, game.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, billing.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, game.ErrPriceUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, billing.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeAuthError forwards GoTrue's status for client errors and falls back to
// status otherwise.
func writeAuthError(w http.ResponseWriter, status int, err error) {
	var apiErr *auth.APIError
	if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
		status = apiErr.Status
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
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

func gameIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid game id")
	}
	return id, nil
}

func pageFromQuery(r *http.Request) (game.Page, error) {
	var p game.Page
	q := r.URL.Query()
	for name, dst := range map[string]*int{"page": &p.Page, "page_size": &p.PageSize} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return game.Page{}, fmt.Errorf("invalid %s", name)
		}
		*dst = v
	}
	return p.Normalize(), nil
}

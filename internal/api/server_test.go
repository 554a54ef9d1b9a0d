package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"munymo/internal/auth"
	"munymo/internal/billing"
	"munymo/internal/config"
	"munymo/internal/game"
	"munymo/internal/metrics"
	"munymo/internal/notify"
	"munymo/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct{}

func (fakeAuth) SignUp(_ context.Context, email, _ string) (auth.Session, error) {
	return auth.Session{User: auth.SupabaseUser{ID: "u-new", Email: email}}, nil
}

func (fakeAuth) Login(_ context.Context, email, password string) (auth.Session, error) {
	if password != "pw" {
		return auth.Session{}, &auth.APIError{Status: http.StatusBadRequest, Message: "Invalid login credentials"}
	}
	return auth.Session{AccessToken: "good", User: auth.SupabaseUser{ID: "u-1", Email: email}}, nil
}

func (fakeAuth) VerifyAccessToken(_ context.Context, token string) (auth.SupabaseUser, error) {
	switch token {
	case "good":
		return auth.SupabaseUser{ID: "u-1", Email: "player@munymo.app"}, nil
	case "admin":
		return auth.SupabaseUser{ID: "u-admin", Email: "ops@munymo.app"}, nil
	}
	return auth.SupabaseUser{}, auth.ErrInvalidToken
}

type fakeGames struct {
	ensured     []string
	predictions []game.PredictionInput
	predictErr  map[int64]error
	query       game.LeaderboardQuery
	generated   time.Time
	voidReason  string
	forced      bool
}

func (f *fakeGames) EnsurePlayer(_ context.Context, userID, _, username string) (game.Profile, error) {
	f.ensured = append(f.ensured, userID+":"+username)
	return game.Profile{UserID: userID}, nil
}

func (f *fakeGames) IsAdmin(_ context.Context, userID, _ string) (bool, error) {
	return userID == "u-admin", nil
}

func (f *fakeGames) Me(_ context.Context, userID, _ string) (game.Me, error) {
	return game.Me{Profile: game.Profile{UserID: userID, Username: "player"}, Accuracy: 0.5}, nil
}

func (f *fakeGames) TodayGame(context.Context, string) (game.GameView, error) {
	return game.GameView{}, game.ErrGameNotFound
}

func (f *fakeGames) ListGames(context.Context, string, game.Page) ([]game.GameView, error) {
	return []game.GameView{}, nil
}

func (f *fakeGames) GameView(_ context.Context, id int64, _ string) (game.GameView, error) {
	return game.GameView{Game: game.Game{ID: id, TickerA: "KO", TickerB: "PEP"}}, nil
}

func (f *fakeGames) SubmitPrediction(_ context.Context, in game.PredictionInput) (game.Prediction, error) {
	if err := f.predictErr[in.GameID]; err != nil {
		return game.Prediction{}, err
	}
	f.predictions = append(f.predictions, in)
	return game.Prediction{ID: int64(len(f.predictions)), GameID: in.GameID, Pick: in.Pick}, nil
}

func (f *fakeGames) ListPredictions(context.Context, string, game.Page) ([]game.HistoryItem, error) {
	return nil, nil
}

func (f *fakeGames) Leaderboard(_ context.Context, q game.LeaderboardQuery) (game.Leaderboard, error) {
	f.query = q
	if q.Sort == "bogus" {
		return game.Leaderboard{}, fmt.Errorf("%w %q", game.ErrInvalidSort, q.Sort)
	}
	return game.Leaderboard{Sort: q.Sort}, nil
}

func (f *fakeGames) FriendsLeaderboard(_ context.Context, _, sort string) (game.Leaderboard, error) {
	if sort == "bogus" {
		return game.Leaderboard{}, fmt.Errorf("%w %q", game.ErrInvalidSort, sort)
	}
	return game.Leaderboard{Sort: sort}, nil
}

func (f *fakeGames) MunyIQ(context.Context, string) (game.MunyIQ, error) { return game.MunyIQ{}, nil }
func (f *fakeGames) RefreshAllMunyIQ(context.Context) (int, error)       { return 12, nil }

func (f *fakeGames) AddFriend(_ context.Context, userID, code string) (game.Friend, error) {
	if code == "SELF01" {
		return game.Friend{}, game.ErrSelfFollow
	}
	return game.Friend{Username: "bo", InviteCode: code}, nil
}

func (f *fakeGames) RemoveFriend(context.Context, string, string) error { return nil }

func (f *fakeGames) ListFriends(context.Context, string) ([]game.Friend, error) {
	return []game.Friend{{Username: "bo", InviteCode: "BOB123"}}, nil
}

func (f *fakeGames) GenerateGame(_ context.Context, date time.Time) (game.Game, error) {
	f.generated = date
	return game.Game{ID: 1, GameDate: date}, nil
}

func (f *fakeGames) LockGame(_ context.Context, id int64) (game.Game, error) {
	return game.Game{ID: id, Status: game.StatusLocked}, nil
}

func (f *fakeGames) SettleGame(_ context.Context, id int64, force bool) (game.Game, error) {
	f.forced = force
	if !force {
		return game.Game{}, game.ErrTooEarly
	}
	return game.Game{ID: id, Status: game.StatusSettled}, nil
}

func (f *fakeGames) VoidGame(_ context.Context, id int64, reason string) (game.Game, error) {
	f.voidReason = reason
	return game.Game{ID: id, Status: game.StatusVoid, VoidReason: reason}, nil
}

type fakeBilling struct {
	outcome string
	err     error
	sig     string
}

func (f *fakeBilling) Enabled() bool { return true }

func (f *fakeBilling) CreateCheckout(context.Context, string, string) (string, error) {
	return "https://checkout.stripe.com/c/pay/cs_test", nil
}

func (f *fakeBilling) CreatePortal(context.Context, string) (string, error) {
	return "", billing.ErrNoCustomer
}

func (f *fakeBilling) Subscription(context.Context, string) (billing.Subscription, error) {
	return billing.Subscription{Status: "active", Tier: billing.TierPremium, Premium: true}, nil
}

func (f *fakeBilling) HandleWebhook(_ context.Context, _ []byte, sig string) (string, error) {
	f.sig = sig
	return f.outcome, f.err
}

type fakeDevices struct {
	registered string
	broadcast  bool
}

func (f *fakeDevices) RegisterDevice(_ context.Context, userID, token, platform string) error {
	if token == "" {
		return notify.ErrInvalidToken
	}
	f.registered = userID + ":" + token + ":" + platform
	return nil
}

func (f *fakeDevices) UnregisterDevice(context.Context, string, string) error { return nil }

func (f *fakeDevices) SendToUsers(_ context.Context, ids []string, _ notify.Message) (notify.Report, error) {
	return notify.Report{Success: len(ids)}, nil
}

func (f *fakeDevices) Broadcast(context.Context, notify.Message) (notify.Report, error) {
	f.broadcast = true
	return notify.Report{Success: 40, Failure: 2, Removed: 1}, nil
}

type fakeJobs struct {
	ran string
}

func (f *fakeJobs) Jobs(context.Context) ([]scheduler.Job, error) { return scheduler.DefaultJobs, nil }

func (f *fakeJobs) UpdateJob(_ context.Context, name string, runAt *string, _ *bool) (scheduler.Job, error) {
	job := scheduler.Job{Name: name}
	if runAt != nil {
		if _, _, err := scheduler.ParseRunAt(*runAt); err != nil {
			return scheduler.Job{}, err
		}
		job.RunAt = *runAt
	}
	return job, nil
}

func (f *fakeJobs) RunNow(_ context.Context, name string) error {
	if name != scheduler.JobSettleResults {
		return fmt.Errorf("%w: %s", scheduler.ErrUnknownJob, name)
	}
	f.ran = name
	return nil
}

type harness struct {
	srv     *Server
	games   *fakeGames
	billing *fakeBilling
	devices *fakeDevices
	jobs    *fakeJobs
	metrics *metrics.Registry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		games:   &fakeGames{predictErr: map[int64]error{}},
		billing: &fakeBilling{outcome: "processed"},
		devices: &fakeDevices{},
		jobs:    &fakeJobs{},
		metrics: metrics.New(),
	}
	all := append([]Option{
		WithBilling(h.billing),
		WithDevices(h.devices),
		WithJobs(h.jobs),
		WithMetrics(h.metrics),
	}, opts...)
	h.srv = New(config.APIConfig{}, nil, fakeAuth{}, h.games, all...)
	return h
}

func (h *harness) do(t *testing.T, method, path, token, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthzAndAuthRequired(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusOK, h.do(t, "GET", "/healthz", "", "").Code)

	rec := h.do(t, "GET", "/v1/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing bearer token", decode(t, rec)["error"])

	assert.Equal(t, http.StatusUnauthorized, h.do(t, "GET", "/v1/me", "expired", "").Code)
}

func TestSignupCreatesPlayer(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/v1/auth/signup", "", `{"email":"a@b.co","password":"pw","username":"ace"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"u-new:ace"}, h.games.ensured)
}

func TestLoginForwardsAuthStatus(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/v1/auth/login", "", `{"email":"a@b.co","password":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, "POST", "/v1/auth/login", "", `{"email":"a@b.co","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "good", decode(t, rec)["access_token"])
}

func TestMeIncludesSubscription(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "GET", "/v1/me", "good", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "player", out["profile"].(map[string]any)["username"])
	assert.Equal(t, true, out["subscription"].(map[string]any)["premium"])
}

func TestPredictPassesIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/v1/games/7/predictions", "good", `{"pick":"A"}`, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, h.games.predictions, 1)
	assert.Equal(t, game.PredictionInput{UserID: "u-1", GameID: 7, Pick: "A", IdempotencyKey: "k-1"}, h.games.predictions[0])

	h.do(t, "POST", "/v1/games/7/predictions", "good", `{"pick":"B"}`)
	assert.NotEmpty(t, h.games.predictions[1].IdempotencyKey, "missing header gets a generated key")
}

func TestPredictErrors(t *testing.T) {
	h := newHarness(t)
	h.games.predictErr[8] = game.ErrGameClosed
	h.games.predictErr[9] = fmt.Errorf("%w: C", game.ErrInvalidPick)

	assert.Equal(t, http.StatusConflict, h.do(t, "POST", "/v1/games/8/predictions", "good", `{"pick":"A"}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, "POST", "/v1/games/9/predictions", "good", `{"pick":"C"}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, "POST", "/v1/games/abc/predictions", "good", `{"pick":"A"}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, "POST", "/v1/games/7/predictions", "good", `{"pick":"A","stake":5}`).Code)
}

func TestTodayGameNotFound(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusNotFound, h.do(t, "GET", "/v1/games/today", "good", "").Code)
}

func TestLeaderboardQuery(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "GET", "/v1/leaderboard?sort=streak&page=2&page_size=500", "good", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "streak", h.games.query.Sort)
	assert.Equal(t, game.Page{Page: 2, PageSize: 100}, h.games.query.Page)

	assert.Equal(t, http.StatusBadRequest, h.do(t, "GET", "/v1/leaderboard?page=x", "good", "").Code)
}

func TestLeaderboardUnknownSortIsBadRequest(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusBadRequest, h.do(t, "GET", "/v1/leaderboard?sort=bogus", "good", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, "GET", "/v1/leaderboard/friends?sort=bogus", "good", "").Code)

	_, err := game.NewService(nil, nil).Leaderboard(context.Background(), game.LeaderboardQuery{Sort: "bogus"})
	rec := httptest.NewRecorder()
	writeDomainError(rec, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestSyncReplayStatuses(t *testing.T) {
	h := newHarness(t)
	h.games.predictErr[2] = game.ErrDuplicateIdempotency
	h.games.predictErr[3] = game.ErrGameClosed
	h.games.predictErr[7] = errors.New("dial tcp 10.0.0.5:5432: connection refused")
	h.games.predictErr[8] = game.ErrTxConflict

	body := `{"predictions":[
		{"game_id":1,"pick":"A","idempotency_key":"q-1"},
		{"game_id":2,"pick":"B","idempotency_key":"q-2"},
		{"game_id":3,"pick":"A","idempotency_key":"q-3"},
		{"game_id":7,"pick":"A","idempotency_key":"q-7"},
		{"game_id":8,"pick":"B","idempotency_key":"q-8"}
	]}`
	rec := h.do(t, "POST", "/v1/sync/replay", "good", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Results []replayResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Results, 5)
	assert.Equal(t, "applied", out.Results[0].Status)
	assert.Equal(t, "duplicate", out.Results[1].Status)
	assert.Equal(t, "rejected", out.Results[2].Status)
	assert.Equal(t, "q-3", out.Results[2].IdempotencyKey)
	assert.Equal(t, "retry", out.Results[3].Status, "infrastructure errors must not drop the pick")
	assert.Equal(t, "retry", out.Results[4].Status)
	assert.Equal(t, "q-8", out.Results[4].IdempotencyKey)
	assert.Equal(t, "q-1", h.games.predictions[0].IdempotencyKey)
}

func TestFriends(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusOK, h.do(t, "POST", "/v1/friends", "good", `{"invite_code":"ABC123"}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, "POST", "/v1/friends", "good", `{"invite_code":"SELF01"}`).Code)
	assert.Equal(t, http.StatusOK, h.do(t, "DELETE", "/v1/friends/ABC123", "good", "").Code)
	rec := h.do(t, "GET", "/v1/friends", "good", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["friends"], 1)
}

func TestDevices(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusCreated, h.do(t, "POST", "/v1/devices", "good", `{"token":"fcm-1","platform":"ios"}`).Code)
	assert.Equal(t, "u-1:fcm-1:ios", h.devices.registered)
	assert.Equal(t, http.StatusBadRequest, h.do(t, "POST", "/v1/devices", "good", `{"token":""}`).Code)

	bare := New(config.APIConfig{}, nil, fakeAuth{}, &fakeGames{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/devices", strings.NewReader(`{"token":"x"}`))
	req.Header.Set("Authorization", "Bearer good")
	bare.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusForbidden, h.do(t, "POST", "/v1/admin/games/4/lock", "good", "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, "POST", "/v1/admin/games/4/lock", "admin", "").Code)
}

func TestAdminGameOps(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/v1/admin/games/generate", "admin", `{"date":"2026-10-19"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "2026-10-19", h.games.generated.Format("2006-01-02"))
	assert.Equal(t, http.StatusBadRequest, h.do(t, "POST", "/v1/admin/games/generate", "admin", `{"date":"19/10/2026"}`).Code)

	assert.Equal(t, http.StatusConflict, h.do(t, "POST", "/v1/admin/games/4/settle", "admin", "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, "POST", "/v1/admin/games/4/settle?force=true", "admin", "").Code)
	assert.True(t, h.games.forced)

	assert.Equal(t, http.StatusBadRequest, h.do(t, "POST", "/v1/admin/games/4/void", "admin", `{"reason":" "}`).Code)
	assert.Equal(t, http.StatusOK, h.do(t, "POST", "/v1/admin/games/4/void", "admin", `{"reason":"ticker halted"}`).Code)
	assert.Equal(t, "ticker halted", h.games.voidReason)

	rec = h.do(t, "POST", "/v1/admin/munyiq/refresh", "admin", "")
	assert.Equal(t, float64(12), decode(t, rec)["players"])
}

func TestAdminNotifyBroadcast(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/v1/admin/notifications", "admin", `{"title":"Maintenance","body":"Back soon"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, h.devices.broadcast)
	assert.Equal(t, float64(1), decode(t, rec)["removed"])

	assert.Equal(t, http.StatusBadRequest, h.do(t, "POST", "/v1/admin/notifications", "admin", `{"title":"x"}`).Code)
}

func TestAdminJobs(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "GET", "/v1/admin/jobs", "admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["jobs"], len(scheduler.DefaultJobs))

	assert.Equal(t, http.StatusBadRequest, h.do(t, "PATCH", "/v1/admin/jobs/lock_games", "admin", `{"run_at":"25:00"}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, "PATCH", "/v1/admin/jobs/lock_games", "admin", `{}`).Code)
	assert.Equal(t, http.StatusOK, h.do(t, "PATCH", "/v1/admin/jobs/lock_games", "admin", `{"run_at":"13:25"}`).Code)

	assert.Equal(t, http.StatusNotFound, h.do(t, "POST", "/v1/admin/jobs/nope/run", "admin", "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, "POST", "/v1/admin/jobs/settle_results/run", "admin", "").Code)
	assert.Equal(t, scheduler.JobSettleResults, h.jobs.ran)
}

func TestBilling(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/v1/billing/checkout", "good", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec)["url"], "checkout.stripe.com")

	assert.Equal(t, http.StatusNotFound, h.do(t, "POST", "/v1/billing/portal", "good", "").Code)

	rec = h.do(t, "GET", "/v1/billing/subscription", "good", "")
	assert.Equal(t, billing.TierPremium, decode(t, rec)["tier"])
}

func TestStripeWebhook(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/v1/billing/webhook", "", `{"id":"evt_1"}`, "Stripe-Signature", "t=1,v1=abc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processed", decode(t, rec)["outcome"])
	assert.Equal(t, "t=1,v1=abc", h.billing.sig)

	h.billing.err = billing.ErrInvalidSignature
	assert.Equal(t, http.StatusBadRequest, h.do(t, "POST", "/v1/billing/webhook", "", `{}`).Code)

	big := bytes.Repeat([]byte("x"), maxWebhookBytes+10)
	assert.Equal(t, http.StatusRequestEntityTooLarge, h.do(t, "POST", "/v1/billing/webhook", "", string(big)).Code)
}

func TestWebhookWithoutBilling(t *testing.T) {
	srv := New(config.APIConfig{}, nil, fakeAuth{}, &fakeGames{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/v1/billing/webhook", strings.NewReader("{}")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/billing/subscription", nil)
	req.Header.Set("Authorization", "Bearer good")
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, billing.TierFree, decode(t, rec)["tier"])
}

func TestMetricsUseRoutePattern(t *testing.T) {
	h := newHarness(t)
	h.do(t, "GET", "/v1/games/41", "good", "")
	h.do(t, "GET", "/v1/games/42", "good", "")

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.HTTPRequests.WithLabelValues("/v1/games/{id}", "GET", "200")))

	rec := h.do(t, "GET", "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "munymo_http_requests_total")
}

func TestLiveMounted(t *testing.T) {
	called := false
	h := newHarness(t, WithLive(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	})))
	h.do(t, "GET", "/v1/live", "", "")
	assert.True(t, called)
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"":              "",
		"Bearer abc":    "abc",
		"bearer  abc ":  "abc",
		"Basic dXNlcjo": "",
		"Bearer":        "",
	}
	for in, want := range tests {
		if got := bearerToken(in); got != want {
			t.Fatalf("bearerToken(%q)=%q want %q", in, got, want)
		}
	}
}

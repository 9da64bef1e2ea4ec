package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starfariii/coinflip1/internal/auth"
	"github.com/starfariii/coinflip1/internal/coinflip"
	"github.com/starfariii/coinflip1/internal/config"
	"github.com/starfariii/coinflip1/internal/notify"
	"github.com/starfariii/coinflip1/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv *httptest.Server
	svc *coinflip.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := notify.NewHub(logger)
	svc := coinflip.NewService(store, hub, logger, coinflip.WithSettleDelay(time.Hour))
	t.Cleanup(svc.Close)
	require.NoError(t, svc.SeedCatalog(context.Background()))

	s := New(config.APIConfig{}, logger, auth.NewDevProvider("test-secret"), svc, hub)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)
	return &testEnv{srv: srv, svc: svc}
}

func (e *testEnv) call(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *testEnv) login(t *testing.T, email string) string {
	t.Helper()
	status, out := e.call(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"email": email, "password": "pw"})
	require.Equal(t, http.StatusOK, status, out)
	return out["access_token"].(string)
}

var starterPack = []string{"bronze-coin", "bronze-coin", "silver-coin", "silver-coin", "gold-coin", "ruby-ring"}

// stake selects positions of an untouched starter pack.
func stake(positions ...int) map[string]any {
	items := make([]map[string]any, len(positions))
	for i, p := range positions {
		items[i] = map[string]any{"position": p, "catalog_item_id": starterPack[p]}
	}
	return map[string]any{"items": items}
}

func TestMatchLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice@example.com")
	bob := env.login(t, "bob@example.com")
	carol := env.login(t, "carol@example.com")

	status, inv := env.call(t, http.MethodGet, "/v1/inventory", alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, inv["items"], 6)

	body := stake(5)
	body["side"] = "heads"
	status, created := env.call(t, http.MethodPost, "/v1/matches", alice, body)
	require.Equal(t, http.StatusCreated, status, created)
	id := created["id"].(string)

	status, list := env.call(t, http.MethodGet, "/v1/matches", bob, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, list["matches"], 1)

	status, out := env.call(t, http.MethodPost, "/v1/matches/"+id+"/join", alice, stake(4))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", out["code"])

	status, out = env.call(t, http.MethodPost, "/v1/matches/"+id+"/join", bob, stake(0))
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "value_out_of_range", out["code"])

	status, joined := env.call(t, http.MethodPost, "/v1/matches/"+id+"/join", bob, stake(5))
	require.Equal(t, http.StatusAccepted, status, joined)
	assert.Equal(t, "pending", joined["status"])
	assert.Nil(t, joined["result"], "result hidden until settled")

	status, out = env.call(t, http.MethodPost, "/v1/matches/"+id+"/join", carol, stake(5))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_taken", out["code"])

	status, out = env.call(t, http.MethodDelete, "/v1/matches/"+id, alice, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_state", out["code"])

	_, _, err := env.svc.Settle(context.Background(), id)
	require.NoError(t, err)
	status, detail := env.call(t, http.MethodGet, "/v1/matches/"+id, carol, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", detail["status"])
	assert.NotEmpty(t, detail["result"])
	assert.NotEmpty(t, detail["seed"])

	status, hist := env.call(t, http.MethodGet, "/v1/history", bob, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, hist["history"], 1)
}

func TestCancelOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice@example.com")
	bob := env.login(t, "bob@example.com")

	body := stake(0, 1)
	body["side"] = "tails"
	status, created := env.call(t, http.MethodPost, "/v1/matches", alice, body)
	require.Equal(t, http.StatusCreated, status)
	id := created["id"].(string)

	status, out := env.call(t, http.MethodDelete, "/v1/matches/"+id, bob, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", out["code"])

	status, _ = env.call(t, http.MethodDelete, "/v1/matches/"+id, alice, nil)
	assert.Equal(t, http.StatusOK, status)

	status, out = env.call(t, http.MethodDelete, "/v1/matches/"+id, alice, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", out["code"])

	_, inv := env.call(t, http.MethodGet, "/v1/inventory", alice, nil)
	assert.Len(t, inv["items"], 6)
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice@example.com")

	status, _ := env.call(t, http.MethodGet, "/v1/inventory", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.call(t, http.MethodGet, "/v1/inventory", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, out := env.call(t, http.MethodPost, "/v1/matches", alice, map[string]any{"side": "heads", "items": []any{}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "empty_stake", out["code"])

	status, out = env.call(t, http.MethodPost, "/v1/matches", alice, map[string]any{"side": "edge", "items": []any{map[string]any{"position": 0}}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_side", out["code"])

	status, out = env.call(t, http.MethodPost, "/v1/matches", alice, map[string]any{"side": "heads", "items": []any{map[string]any{"position": 40}}})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "insufficient_stake", out["code"])

	status, out = env.call(t, http.MethodPost, "/v1/matches", alice, map[string]any{"side": "heads", "items": []any{map[string]any{"position": 0}}})
	assert.Equal(t, http.StatusConflict, status, "selection without catalog id")
	assert.Equal(t, "insufficient_stake", out["code"])

	status, _ = env.call(t, http.MethodPost, "/v1/matches", alice, map[string]any{"side": "heads", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.call(t, http.MethodGet, "/v1/history?limit=-3", alice, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/v1/events?access_token="+alice, nil)
	require.NoError(t, err)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := bufio.NewReader(resp.Body)
	kind, _ := readFrame(t, frames)
	assert.Equal(t, "snapshot", kind)

	body := stake(5)
	body["side"] = "heads"
	status, _ := env.call(t, http.MethodPost, "/v1/matches", alice, body)
	require.Equal(t, http.StatusCreated, status)

	kind, data := readFrame(t, frames)
	assert.Equal(t, "match_created", kind)
	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "heads", ev["user_side"])
}

func readFrame(t *testing.T, r *bufio.Reader) (kind, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if kind != "" {
				return kind, data
			}
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/starfariii/coinflip1/internal/coinflip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinMatchSendsStakeAndIdempotencyKey(t *testing.T) {
	var gotPath, gotIdem, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotIdem = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(coinflip.Match{ID: "m-1", Status: coinflip.StatusPending})
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	m, err := c.JoinMatch(context.Background(), "tok", "idem-1", "m-1", []coinflip.StakeRef{{Position: 2}})
	require.NoError(t, err)
	assert.Equal(t, coinflip.StatusPending, m.Status)
	assert.Equal(t, "/v1/matches/m-1/join", gotPath)
	assert.Equal(t, "idem-1", gotIdem)
	assert.Equal(t, "Bearer tok", gotAuth)
	items := gotBody["items"].([]any)
	require.Len(t, items, 1)
	assert.EqualValues(t, 2, items[0].(map[string]any)["position"])
}

func TestAPIErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = fmt.Fprint(w, `{"error":"value must be between 90 and 110","code":"value_out_of_range"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).JoinMatch(context.Background(), "tok", "", "m-1", nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, "value_out_of_range"))
	assert.Contains(t, err.Error(), "between 90 and 110")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
}

func TestAPIErrorPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).CancelMatch(context.Background(), "tok", "", "m-1")
	require.Error(t, err)
	assert.False(t, IsCode(err, "not_found"))
	assert.Contains(t, err.Error(), "bad gateway")
}

func TestReadFrames(t *testing.T) {
	raw := strings.Join([]string{
		"event: snapshot",
		`data: {"matches":[{"id":"m-1","status":"active"}]}`,
		"",
		": ping",
		"",
		"id: ev-1",
		"event: match_settled",
		`data: {"id":"ev-1","kind":"match_settled","match_id":"m-1","result":"tails","user_side":"tails","winner_side":"tails","is_flipping":false}`,
		"",
		"",
	}, "\n")

	var frames []Frame
	err := readFrames(bufio.NewScanner(strings.NewReader(raw)), func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Len(t, frames[0].Snapshot, 1)
	assert.Equal(t, "m-1", frames[0].Snapshot[0].ID)
	require.NotNil(t, frames[1].Event)
	assert.Equal(t, coinflip.EventMatchSettled, frames[1].Event.Kind)
	assert.Equal(t, coinflip.SideTails, frames[1].Event.WinnerSide)
}

func TestReadFramesDropsUnterminatedFrame(t *testing.T) {
	raw := strings.Join([]string{
		"event: snapshot",
		`data: {"matches":[]}`,
		"",
		"event: match_created",
		`data: {"id":"ev-2","kind":"match_created","match_id":"m-2"}`,
	}, "\n")

	var frames []Frame
	err := readFrames(bufio.NewScanner(strings.NewReader(raw)), func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Nil(t, frames[0].Event)
}

func TestReadFramesStopsOnCallbackError(t *testing.T) {
	raw := "event: snapshot\ndata: {}\n\nevent: snapshot\ndata: {}\n\n"
	calls := 0
	stop := fmt.Errorf("stop")
	err := readFrames(bufio.NewScanner(strings.NewReader(raw)), func(f Frame) error {
		calls++
		assert.NotNil(t, f.Snapshot)
		return stop
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

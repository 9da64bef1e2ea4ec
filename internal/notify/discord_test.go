package notify

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/starfariii/coinflip1/internal/coinflip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testValues = map[string]int64{"gold": 50, "ruby": 100, "nickel": 5}

func settledEvent() coinflip.Event {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := coinflip.Match{
		ID:           "m-1",
		CreatorID:    "alice-0000-1111",
		MemberID:     "bob",
		CreatorSide:  coinflip.SideHeads,
		Items:        []string{"gold", "gold", "ruby", "nickel"},
		CreatorStake: 2,
		Status:       coinflip.StatusCompleted,
		Result:       coinflip.SideHeads,
		Commitment:   "abc",
		SettledAt:    &at,
	}
	return coinflip.Event{Kind: coinflip.EventMatchSettled, MatchID: m.ID, Result: m.Result, Match: &m, At: at}
}

func TestSettlementMessage(t *testing.T) {
	params, ok := settlementMessage(settledEvent(), testValues, 100)
	require.True(t, ok)
	require.Len(t, params.Embeds, 1)
	embed := params.Embeds[0]
	assert.Equal(t, "Coin landed heads", embed.Title)
	assert.Contains(t, embed.Description, "alice-00 takes a pot of 205 coins")
	assert.Equal(t, colorHeads, embed.Color)
	assert.Equal(t, "bob on tails, 105 coins", embed.Fields[1].Value)

	_, ok = settlementMessage(settledEvent(), testValues, 500)
	assert.False(t, ok, "pot below threshold")

	pending := settledEvent()
	pending.Result = ""
	_, ok = settlementMessage(pending, testValues, 0)
	assert.False(t, ok)
}

type fakeWebhook struct {
	mu    sync.Mutex
	calls []*discordgo.WebhookParams
}

func (f *fakeWebhook) WebhookExecute(_, _ string, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, data)
	return nil, nil
}

type staticCatalog map[string]int64

func (c staticCatalog) Catalog(context.Context) ([]coinflip.CatalogItem, error) {
	out := make([]coinflip.CatalogItem, 0, len(c))
	for id, v := range c {
		out = append(out, coinflip.CatalogItem{ID: id, Value: v})
	}
	return out, nil
}

func TestAnnouncerOnlyPostsSettlements(t *testing.T) {
	hook := &fakeWebhook{}
	a := &Announcer{exec: hook, webhookID: "id", token: "tok", catalog: staticCatalog(testValues), log: nopLogger()}

	events := make(chan coinflip.Event, 3)
	events <- coinflip.Event{Kind: coinflip.EventMatchCreated, MatchID: "m-1"}
	events <- settledEvent()
	close(events)
	a.consume(context.Background(), events)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	assert.Len(t, hook.calls, 1)
}

// Two processes share one NOTIFY channel. Only the one whose service settled
// the match publishes to its announcer, so the pot is posted once even though
// both hubs receive the event.
func TestSettlementAnnouncedOnceAcrossProcesses(t *testing.T) {
	hook := &fakeWebhook{}
	newProcess := func() (*Hub, *Announcer) {
		a := &Announcer{exec: hook, webhookID: "id", token: "tok", catalog: staticCatalog(testValues), log: nopLogger(),
			queue: make(chan coinflip.Event, announceBuffer)}
		return NewHub(nopLogger()), a
	}
	apiHub, apiAnnouncer := newProcess()
	workerHub, workerAnnouncer := newProcess()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go apiAnnouncer.Run(ctx)
	go workerAnnouncer.Run(ctx)

	apiEvents, stopAPI := apiHub.Subscribe(4)
	defer stopAPI()
	workerEvents, stopWorker := workerHub.Subscribe(4)
	defer stopWorker()

	// The worker settles: its service notifier is the bridge plus its announcer.
	// The bridge's NOTIFY lands in every listening hub.
	channel := Multi{fanout{apiHub, workerHub}, workerAnnouncer}
	require.NoError(t, channel.Publish(ctx, settledEvent()))

	assert.Equal(t, coinflip.EventMatchSettled, (<-apiEvents).Kind)
	assert.Equal(t, coinflip.EventMatchSettled, (<-workerEvents).Kind)
	require.Eventually(t, func() bool {
		hook.mu.Lock()
		defer hook.mu.Unlock()
		return len(hook.calls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	hook.mu.Lock()
	defer hook.mu.Unlock()
	assert.Len(t, hook.calls, 1)
}

func TestAnnouncerPublishSkipsWhenFull(t *testing.T) {
	a := &Announcer{log: nopLogger(), queue: make(chan coinflip.Event, 1)}
	require.NoError(t, a.Publish(context.Background(), coinflip.Event{Kind: coinflip.EventMatchJoined}))
	assert.Len(t, a.queue, 0, "only settlements are queued")

	require.NoError(t, a.Publish(context.Background(), settledEvent()))
	require.NoError(t, a.Publish(context.Background(), settledEvent()))
	assert.Len(t, a.queue, 1)
}

// fanout stands in for pg_notify delivering to every listening process.
type fanout []*Hub

func (f fanout) Publish(ctx context.Context, ev coinflip.Event) error {
	for _, h := range f {
		_ = h.Publish(ctx, ev)
	}
	return nil
}

func TestNewAnnouncerRequiresCredentials(t *testing.T) {
	_, err := NewAnnouncer("", "", 0, staticCatalog(nil), nil)
	assert.Error(t, err)
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

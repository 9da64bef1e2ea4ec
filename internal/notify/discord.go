package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/starfariii/coinflip1/internal/coinflip"
)

const (
	colorHeads = 0xF1C40F
	colorTails = 0x95A5A6

	announceBuffer = 64
)

type CatalogReader interface {
	Catalog(ctx context.Context) ([]coinflip.CatalogItem, error)
}

type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Announcer posts settled matches worth at least MinValue to a Discord webhook.
// It is a Notifier for the service that performs the settlement, not a hub
// subscriber: with several processes listening on the same channel, only the
// settling process sees the event through Publish, so each pot is posted once.
type Announcer struct {
	exec      webhookExecutor
	webhookID string
	token     string
	minValue  int64
	catalog   CatalogReader
	log       *slog.Logger
	queue     chan coinflip.Event
}

var _ coinflip.Notifier = (*Announcer)(nil)

func NewAnnouncer(webhookID, token string, minValue int64, catalog CatalogReader, logger *slog.Logger) (*Announcer, error) {
	if strings.TrimSpace(webhookID) == "" || strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("discord webhook id and token are required")
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{
		exec:      session,
		webhookID: webhookID,
		token:     token,
		minValue:  minValue,
		catalog:   catalog,
		log:       logger,
		queue:     make(chan coinflip.Event, announceBuffer),
	}, nil
}

// Publish queues settlements for Run. It never blocks the settling transaction;
// when the queue is full the announcement is skipped.
func (a *Announcer) Publish(_ context.Context, ev coinflip.Event) error {
	if ev.Kind != coinflip.EventMatchSettled {
		return nil
	}
	select {
	case a.queue <- ev:
	default:
		a.log.Warn("discord queue full, announcement skipped", "match_id", ev.MatchID)
	}
	return nil
}

// Run posts queued settlements until ctx is done.
func (a *Announcer) Run(ctx context.Context) {
	a.consume(ctx, a.queue)
}

func (a *Announcer) consume(ctx context.Context, events <-chan coinflip.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != coinflip.EventMatchSettled {
				continue
			}
			if err := a.announce(ctx, ev); err != nil {
				a.log.Warn("discord announce failed", "match_id", ev.MatchID, "err", err)
			}
		}
	}
}

func (a *Announcer) announce(ctx context.Context, ev coinflip.Event) error {
	items, err := a.catalog.Catalog(ctx)
	if err != nil {
		return err
	}
	values := make(map[string]int64, len(items))
	for _, it := range items {
		values[it.ID] = it.Value
	}
	params, ok := settlementMessage(ev, values, a.minValue)
	if !ok {
		return nil
	}
	_, err = a.exec.WebhookExecute(a.webhookID, a.token, false, params, discordgo.WithContext(ctx))
	return err
}

// settlementMessage builds the webhook payload, or reports false when the
// pot is below minValue or the event carries no outcome.
func settlementMessage(ev coinflip.Event, values map[string]int64, minValue int64) (*discordgo.WebhookParams, bool) {
	if ev.Match == nil || ev.Result == "" {
		return nil, false
	}
	m := *ev.Match
	var creatorValue, memberValue int64
	for _, id := range m.CreatorItems() {
		creatorValue += values[id]
	}
	for _, id := range m.MemberItems() {
		memberValue += values[id]
	}
	pot := creatorValue + memberValue
	if pot < minValue {
		return nil, false
	}
	winner, _ := m.Winner()

	color := colorTails
	if ev.Result == coinflip.SideHeads {
		color = colorHeads
	}
	return &discordgo.WebhookParams{
		Username: "Coinflip",
		Embeds: []*discordgo.MessageEmbed{{
			Title:       fmt.Sprintf("Coin landed %s", ev.Result),
			Description: fmt.Sprintf("%s takes a pot of %d coins (%d items).", shortID(winner), pot, len(m.Items)),
			Color:       color,
			Timestamp:   ev.At.UTC().Format(time.RFC3339),
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Creator", Value: fmt.Sprintf("%s on %s, %d coins", shortID(m.CreatorID), m.CreatorSide, creatorValue), Inline: true},
				{Name: "Member", Value: fmt.Sprintf("%s on %s, %d coins", shortID(m.MemberID), m.MemberSide(), memberValue), Inline: true},
				{Name: "Commitment", Value: "`" + m.Commitment + "`"},
			},
		}},
	}, true
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Package notify forwards fleet lifecycle events to a chat.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/soyeahso/tradesim/internal/hooks"
	"github.com/soyeahso/tradesim/internal/logging"
)

// Sender delivers one text message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Telegram sends messages to a single chat through the Bot API.
type Telegram struct {
	bot    *telego.Bot
	chatID int64
}

// NewTelegram creates a Telegram sender. The token format is checked locally;
// no request is made.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Send implements Sender.
func (t *Telegram) Send(ctx context.Context, text string) error {
	_, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(t.chatID), text))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Notifier turns hook payloads into chat messages. Delivery is best effort.
type Notifier struct {
	sender Sender
	events []string
	log    *logging.Logger
}

// New creates a notifier for the given events. Empty events means all.
func New(sender Sender, events []string, log *logging.Logger) *Notifier {
	if len(events) == 0 {
		events = hooks.AllEvents
	}
	return &Notifier{sender: sender, events: events, log: log.Sub("notify")}
}

// Register subscribes the notifier to its events.
func (n *Notifier) Register(m *hooks.Manager) {
	m.OnEach(n.events, "notify", n.handle)
	n.log.Info().Strs("events", n.events).Msg("notifications enabled")
}

func (n *Notifier) handle(ctx context.Context, p hooks.Payload) error {
	return n.sender.Send(ctx, Format(p))
}

// Format renders a payload as a short human-readable line.
func Format(p hooks.Payload) string {
	who := p.Str("name")
	if who == "" {
		who = p.Str("agentId")
	}

	var msg string
	switch p.Event {
	case hooks.EventAgentCreated:
		msg = fmt.Sprintf("Agent %s created", who)
	case hooks.EventAgentStarted:
		msg = fmt.Sprintf("Agent %s started trading", who)
	case hooks.EventAgentStopped:
		msg = fmt.Sprintf("Agent %s stopped (%s)", who, p.Str("reason"))
	case hooks.EventAgentDeleted:
		msg = fmt.Sprintf("Agent %s deleted", who)
	case hooks.EventAgentDegraded:
		msg = fmt.Sprintf("⚠️ Agent %s degraded after %v consecutive failures: %s", who, p.Data["failures"], p.Str("error"))
	case hooks.EventAgentRecovered:
		msg = fmt.Sprintf("✅ Agent %s recovered", who)
	case hooks.EventFleetBootstrapped:
		msg = fmt.Sprintf("Fleet started: %v created, %v resumed", p.Data["created"], p.Data["resumed"])
	default:
		msg = p.Event + formatData(p.Data)
	}
	return msg
}

func formatData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return " " + strings.Join(parts, " ")
}

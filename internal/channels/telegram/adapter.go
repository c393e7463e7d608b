// Package telegram adapts Telegram bot webhooks to the channels
// boundary. Inbound updates arrive on a webhook verified by the
// secret token header; run output is streamed back by editing a draft
// message in place, throttled to stay inside Telegram's edit limits.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/hua-bang/pulse-coder-sub000/internal/channels"
	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// PlatformPrefix namespaces Telegram chat ids into platform keys.
const PlatformPrefix = "telegram:"

// secretTokenHeader carries the webhook secret Telegram echoes back.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// editInterval throttles draft edits during streaming.
const editInterval = 1500 * time.Millisecond

// draftMaxRunes truncates oversized drafts; Telegram caps messages at
// 4096 characters.
const draftMaxRunes = 4000

// Client is the outbound Telegram surface the adapter needs. *bot.Bot
// satisfies it; tests substitute a fake.
type Client interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*tgmodels.Message, error)
}

// Config configures the Telegram adapter.
type Config struct {
	// BotToken is the @BotFather token.
	BotToken string

	// WebhookSecret is compared against the secret token header.
	// Empty disables verification (local testing only).
	WebhookSecret string

	Logger *slog.Logger
}

// Adapter implements channels.Adapter for Telegram webhooks.
type Adapter struct {
	client Client
	secret string
	logger *slog.Logger
}

// NewAdapter creates the adapter and its bot client.
func NewAdapter(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	b, err := bot.New(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return NewAdapterWithClient(b, cfg), nil
}

// NewAdapterWithClient wires an explicit client; tests use this.
func NewAdapterWithClient(client Client, cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client: client,
		secret: cfg.WebhookSecret,
		logger: logger.With("adapter", "telegram"),
	}
}

// Name identifies the platform.
func (a *Adapter) Name() string { return "telegram" }

// VerifyRequest checks the webhook secret token header.
func (a *Adapter) VerifyRequest(r *http.Request, body []byte) bool {
	if a.secret == "" {
		return true
	}
	return r.Header.Get(secretTokenHeader) == a.secret
}

// ParseIncoming extracts the user message from an update. Updates
// without a text message (edits, joins, reactions) need no run.
func (a *Adapter) ParseIncoming(r *http.Request, body []byte) (*models.IncomingMessage, error) {
	var update tgmodels.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("invalid telegram update: %w", err)
	}
	msg := update.Message
	if msg == nil || strings.TrimSpace(msg.Text) == "" {
		return nil, nil
	}
	incoming := &models.IncomingMessage{
		PlatformKey: PlatformPrefix + strconv.FormatInt(msg.Chat.ID, 10),
		Text:        msg.Text,
	}
	if msg.From != nil {
		incoming.MemoryKey = "tg-user:" + strconv.FormatInt(msg.From.ID, 10)
	}
	return incoming, nil
}

// AckRequest answers the webhook; Telegram only needs a 200.
func (a *Adapter) AckRequest(w http.ResponseWriter, r *http.Request, body []byte, incoming *models.IncomingMessage, streamID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// Reply sends a plain message to the chat.
func (a *Adapter) Reply(ctx context.Context, incoming *models.IncomingMessage, text string) error {
	chatID, err := chatIDFromKey(incoming.PlatformKey)
	if err != nil {
		return err
	}
	_, err = a.client.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	return err
}

// CreateStreamHandle opens a draft-editing stream into the chat.
func (a *Adapter) CreateStreamHandle(incoming *models.IncomingMessage, streamID string) (channels.StreamHandle, error) {
	chatID, err := chatIDFromKey(incoming.PlatformKey)
	if err != nil {
		return nil, err
	}
	return &streamHandle{
		client: a.client,
		logger: a.logger.With("stream_id", streamID),
		chatID: chatID,
	}, nil
}

func chatIDFromKey(platformKey string) (int64, error) {
	raw, ok := strings.CutPrefix(platformKey, PlatformPrefix)
	if !ok {
		return 0, fmt.Errorf("not a telegram platform key: %q", platformKey)
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad telegram chat id %q: %w", raw, err)
	}
	return chatID, nil
}

// streamHandle accumulates deltas and edits one draft message in
// place. The final text lands with OnDone.
type streamHandle struct {
	client Client
	logger *slog.Logger
	chatID int64

	mu        sync.Mutex
	text      strings.Builder
	messageID int
	lastEdit  time.Time
	lastSent  string
}

func (h *streamHandle) OnText(delta string) {
	h.mu.Lock()
	h.text.WriteString(delta)
	due := h.messageID == 0 || time.Since(h.lastEdit) >= editInterval
	draft := h.text.String()
	h.mu.Unlock()

	if due {
		h.flush(draft)
	}
}

func (h *streamHandle) OnToolCall(name string, input []byte) {
	h.logger.Debug("tool call", "tool", name)
}

func (h *streamHandle) OnClarification(req models.ClarificationRequest) {
	text := "❓ " + req.Prompt
	if req.Default != "" {
		text += fmt.Sprintf(" (default: %s)", req.Default)
	}
	if _, err := h.client.SendMessage(context.Background(), &bot.SendMessageParams{ChatID: h.chatID, Text: text}); err != nil {
		h.logger.Warn("clarification send failed", "error", err)
	}
}

func (h *streamHandle) OnDone(result string) {
	h.flush(result)
}

func (h *streamHandle) OnError(err error) {
	h.flush("Error: " + err.Error())
}

// flush sends the draft on first call and edits it afterwards.
// Telegram rejects edits with unchanged text, so those are skipped.
func (h *streamHandle) flush(text string) {
	text = truncateRunes(text, draftMaxRunes)
	if strings.TrimSpace(text) == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if text == h.lastSent {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if h.messageID == 0 {
		sent, err := h.client.SendMessage(ctx, &bot.SendMessageParams{ChatID: h.chatID, Text: text})
		if err != nil {
			h.logger.Warn("draft send failed", "error", err)
			return
		}
		h.messageID = sent.ID
	} else {
		_, err := h.client.EditMessageText(ctx, &bot.EditMessageTextParams{
			ChatID:    h.chatID,
			MessageID: h.messageID,
			Text:      text,
		})
		if err != nil {
			h.logger.Warn("draft edit failed", "error", err)
			return
		}
	}
	h.lastEdit = time.Now()
	h.lastSent = text
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

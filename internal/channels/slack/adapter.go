// Package slack adapts the Slack Events API to the channels boundary.
// Webhooks are verified with the signing secret, the url_verification
// handshake is answered during ack, and run output is streamed by
// updating one posted message in place.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/hua-bang/pulse-coder-sub000/internal/channels"
	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// PlatformPrefix namespaces Slack channel ids into platform keys.
const PlatformPrefix = "slack:"

// updateInterval throttles streaming message updates.
const updateInterval = 1500 * time.Millisecond

// Client is the outbound Slack surface the adapter needs.
// *slack.Client satisfies it; tests substitute a fake.
type Client interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
}

// Config configures the Slack adapter.
type Config struct {
	// BotToken is the xoxb- token for chat.postMessage.
	BotToken string

	// SigningSecret verifies inbound event signatures. Empty disables
	// verification (local testing only).
	SigningSecret string

	Logger *slog.Logger
}

// Adapter implements channels.Adapter for the Slack Events API.
type Adapter struct {
	client        Client
	signingSecret string
	logger        *slog.Logger
}

// NewAdapter creates the adapter and its API client.
func NewAdapter(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, fmt.Errorf("slack bot token is required")
	}
	return NewAdapterWithClient(slack.New(cfg.BotToken), cfg), nil
}

// NewAdapterWithClient wires an explicit client; tests use this.
func NewAdapterWithClient(client Client, cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client:        client,
		signingSecret: cfg.SigningSecret,
		logger:        logger.With("adapter", "slack"),
	}
}

// Name identifies the platform.
func (a *Adapter) Name() string { return "slack" }

// VerifyRequest checks the v0 request signature against the signing
// secret.
func (a *Adapter) VerifyRequest(r *http.Request, body []byte) bool {
	if a.signingSecret == "" {
		return true
	}
	verifier, err := slack.NewSecretsVerifier(r.Header, a.signingSecret)
	if err != nil {
		return false
	}
	if _, err := verifier.Write(body); err != nil {
		return false
	}
	return verifier.Ensure() == nil
}

// ParseIncoming extracts the user message from an Events API envelope.
// url_verification, bot echoes and non-message callbacks need no run.
func (a *Adapter) ParseIncoming(r *http.Request, body []byte) (*models.IncomingMessage, error) {
	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return nil, fmt.Errorf("invalid slack event: %w", err)
	}

	if event.Type != slackevents.CallbackEvent {
		return nil, nil
	}

	var channelID, userID, botID, text string
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		channelID, userID, botID, text = ev.Channel, ev.User, ev.BotID, ev.Text
		if ev.SubType != "" {
			return nil, nil
		}
	case *slackevents.AppMentionEvent:
		channelID, userID, botID, text = ev.Channel, ev.User, ev.BotID, stripMention(ev.Text)
	default:
		return nil, nil
	}

	if botID != "" || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return &models.IncomingMessage{
		PlatformKey: PlatformPrefix + channelID,
		MemoryKey:   "slack-user:" + userID,
		Text:        text,
	}, nil
}

// AckRequest answers the webhook. The url_verification handshake
// echoes its challenge; everything else gets a 200.
func (a *Adapter) AckRequest(w http.ResponseWriter, r *http.Request, body []byte, incoming *models.IncomingMessage, streamID string) {
	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err == nil && event.Type == slackevents.URLVerification {
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err == nil {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(challenge.Challenge))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// Reply posts a plain message to the channel.
func (a *Adapter) Reply(ctx context.Context, incoming *models.IncomingMessage, text string) error {
	channelID, err := channelIDFromKey(incoming.PlatformKey)
	if err != nil {
		return err
	}
	_, _, err = a.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	return err
}

// CreateStreamHandle opens an update-in-place stream into the channel.
func (a *Adapter) CreateStreamHandle(incoming *models.IncomingMessage, streamID string) (channels.StreamHandle, error) {
	channelID, err := channelIDFromKey(incoming.PlatformKey)
	if err != nil {
		return nil, err
	}
	return &streamHandle{
		client:    a.client,
		logger:    a.logger.With("stream_id", streamID),
		channelID: channelID,
	}, nil
}

func channelIDFromKey(platformKey string) (string, error) {
	channelID, ok := strings.CutPrefix(platformKey, PlatformPrefix)
	if !ok || channelID == "" {
		return "", fmt.Errorf("not a slack platform key: %q", platformKey)
	}
	return channelID, nil
}

// stripMention removes the leading <@Uxxx> of an app_mention.
func stripMention(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "<@") {
		if end := strings.Index(trimmed, ">"); end > 0 {
			return strings.TrimSpace(trimmed[end+1:])
		}
	}
	return trimmed
}

// streamHandle accumulates deltas and updates one posted message.
type streamHandle struct {
	client    Client
	logger    *slog.Logger
	channelID string

	mu         sync.Mutex
	text       strings.Builder
	timestamp  string
	lastUpdate time.Time
	lastSent   string
}

func (h *streamHandle) OnText(delta string) {
	h.mu.Lock()
	h.text.WriteString(delta)
	due := h.timestamp == "" || time.Since(h.lastUpdate) >= updateInterval
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
	text := ":question: " + req.Prompt
	if req.Default != "" {
		text += fmt.Sprintf(" _(default: %s)_", req.Default)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, _, err := h.client.PostMessageContext(ctx, h.channelID, slack.MsgOptionText(text, false)); err != nil {
		h.logger.Warn("clarification post failed", "error", err)
	}
}

func (h *streamHandle) OnDone(result string) {
	h.flush(result)
}

func (h *streamHandle) OnError(err error) {
	h.flush("Error: " + err.Error())
}

func (h *streamHandle) flush(text string) {
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

	if h.timestamp == "" {
		_, ts, err := h.client.PostMessageContext(ctx, h.channelID, slack.MsgOptionText(text, false))
		if err != nil {
			h.logger.Warn("post failed", "error", err)
			return
		}
		h.timestamp = ts
	} else {
		_, _, _, err := h.client.UpdateMessageContext(ctx, h.channelID, h.timestamp, slack.MsgOptionText(text, false))
		if err != nil {
			h.logger.Warn("update failed", "error", err)
			return
		}
	}
	h.lastUpdate = time.Now()
	h.lastSent = text
}

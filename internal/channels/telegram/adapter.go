// Package telegram bridges a Telegram chat to the gateway: inbound messages
// become runs, streamed tokens edit a growing reply in place, and permission
// prompts arrive as inline Allow/Deny keyboards.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/agentblob/internal/gateway"
	"github.com/haasonsaas/agentblob/internal/policy"
	blobmodels "github.com/haasonsaas/agentblob/pkg/models"
)

// sessionPrefix namespaces Telegram-origin sessions in the event log.
const sessionPrefix = "tg:"

// permCallbackPrefix tags inline keyboard callbacks carrying a permission
// verdict. Data is "perm:<allow|deny>:<id>".
const permCallbackPrefix = "perm:"

// Config holds configuration for the Telegram channel.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// ChatID restricts the bot to one chat. Zero accepts any chat, which
	// only makes sense for throwaway setups.
	ChatID int64

	// EditInterval is the minimum delay between streaming edits of the
	// same message. Telegram throttles edits well below token rate.
	EditInterval time.Duration

	// MaxReconnectAttempts bounds polling restarts after unexpected exits.
	MaxReconnectAttempts int

	// ReconnectDelay is the pause between polling restarts.
	ReconnectDelay time.Duration

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("telegram: token is required")
	}
	if c.EditInterval <= 0 {
		c.EditInterval = 900 * time.Millisecond
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Gateway is the slice of the control plane the adapter drives: slash
// command interception and run submission.
type Gateway interface {
	ChatCommand(session, prompt string) (string, bool, error)
	SubmitPrompt(session, prompt string) (*blobmodels.Run, int, error)
}

// Deps wires the adapter into the rest of the process.
type Deps struct {
	Gateway Gateway
	Bus     *gateway.Bus
	Broker  *policy.Broker
}

// Adapter runs the Telegram side of the house: one long-polling loop for
// inbound updates and one dispatch goroutine consuming the event bus.
type Adapter struct {
	config  Config
	gateway Gateway
	bus     *gateway.Bus
	broker  *policy.Broker
	logger  *slog.Logger

	// client is set by Start unless a test injected one first.
	client BotClient

	events chan blobmodels.Event
	subID  int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// streams and prompts are owned by the dispatch goroutine.
	streams map[string]*stream
	prompts map[string]promptRef
}

// NewAdapter creates a Telegram adapter. It validates the configuration but
// connects nothing until Start.
func NewAdapter(config Config, deps Deps) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Gateway == nil || deps.Bus == nil || deps.Broker == nil {
		return nil, errors.New("telegram: gateway, bus, and broker are required")
	}
	return &Adapter{
		config:  config,
		gateway: deps.Gateway,
		bus:     deps.Bus,
		broker:  deps.Broker,
		logger:  config.Logger.With("component", "telegram"),
		events:  make(chan blobmodels.Event, 1024),
		subID:   -1,
		streams: make(map[string]*stream),
		prompts: make(map[string]promptRef),
	}, nil
}

// Start connects the bot, registers handlers, and begins long polling and
// event dispatch. It returns once both loops are running.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.client == nil {
		b, err := bot.New(a.config.Token)
		if err != nil {
			return fmt.Errorf("create telegram bot: %w", err)
		}
		a.client = newRealBotClient(b)
	}

	a.client.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleMessage)
	a.client.RegisterHandler(bot.HandlerTypeCallbackQueryData, permCallbackPrefix, bot.MatchTypePrefix, a.handleCallback)

	a.subID, _ = a.bus.Subscribe(a.enqueueEvent)

	a.wg.Add(1)
	go a.dispatchEvents(ctx)

	a.wg.Add(1)
	go a.runWithReconnection(ctx)

	a.logger.Info("telegram adapter started", "chat_id", a.config.ChatID)
	return nil
}

// runWithReconnection keeps the polling loop alive. Start blocks until the
// context is cancelled; an early return means the poller died, so it is
// restarted up to the configured attempt cap.
func (a *Adapter) runWithReconnection(ctx context.Context) {
	defer a.wg.Done()

	attempts := 0
	for {
		a.client.Start(ctx)

		if ctx.Err() != nil {
			a.logger.Info("telegram polling stopped")
			return
		}

		attempts++
		if attempts >= a.config.MaxReconnectAttempts {
			a.logger.Error("telegram polling gave up", "attempts", attempts)
			return
		}
		a.logger.Warn("telegram polling exited, restarting",
			"attempt", attempts, "max_attempts", a.config.MaxReconnectAttempts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.config.ReconnectDelay):
		}
	}
}

// Stop unsubscribes from the bus and waits for the loops to drain, giving
// up when ctx expires.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.subID >= 0 {
		a.bus.Unsubscribe(a.subID)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("telegram adapter stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram adapter stop: %w", ctx.Err())
	}
}

// handleMessage turns an inbound text message into a slash command reply or
// a submitted run. The streamed reply shows up via the event bus, not here.
func (a *Adapter) handleMessage(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	msg := update.Message
	if !a.allowedChat(msg.Chat.ID) {
		a.logger.Warn("message from foreign chat ignored", "chat_id", msg.Chat.ID)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	session := sessionFor(msg.Chat.ID)

	if reply, handled, err := a.gateway.ChatCommand(session, text); handled {
		if err != nil {
			reply = "Command failed: " + err.Error()
		}
		a.sendText(ctx, msg.Chat.ID, reply)
		return
	}

	run, position, err := a.gateway.SubmitPrompt(session, text)
	if err != nil {
		if errors.Is(err, gateway.ErrQueueFull) {
			a.sendText(ctx, msg.Chat.ID, "Too many runs waiting on this chat. Try again in a bit.")
			return
		}
		a.logger.Error("run submit failed", "session_id", session, "error", err)
		a.sendText(ctx, msg.Chat.ID, "Could not start the run: "+err.Error())
		return
	}
	a.logger.Debug("run submitted", "run_id", run.ID, "session_id", session, "position", position)
	if position > 0 {
		a.sendText(ctx, msg.Chat.ID, fmt.Sprintf("Queued behind the current run (position %d).", position))
	}
}

// handleCallback applies an inline keyboard verdict to the broker. The
// prompt message itself is rewritten by the permission.response event; this
// path only answers the button press, plus a direct edit for requests that
// resolved without one (expired or already decided).
func (a *Adapter) handleCallback(ctx context.Context, _ *bot.Bot, update *models.Update) {
	cb := update.CallbackQuery
	if cb == nil {
		return
	}
	answer := func(text string) {
		if _, err := a.client.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: cb.ID,
			Text:            text,
		}); err != nil {
			a.logger.Warn("callback answer failed", "error", err)
		}
	}

	approve, id, ok := parsePermCallback(cb.Data)
	if !ok {
		answer("Malformed button data.")
		return
	}

	req, decided, err := a.broker.Respond(id, approve, "telegram")
	switch {
	case err != nil:
		answer("Unknown permission request.")
	case !decided:
		answer("Already resolved.")
		if chatID, messageID, found := callbackMessage(cb); found {
			text := fmt.Sprintf("%s: %s", verdictLabel(req.State), req.Capability)
			if _, editErr := a.client.EditMessageText(ctx, &bot.EditMessageTextParams{
				ChatID:    chatID,
				MessageID: messageID,
				Text:      text,
			}); editErr != nil {
				a.logger.Warn("stale prompt edit failed", "permission_id", id, "error", editErr)
			}
		}
	case approve:
		answer("Allowed.")
	default:
		answer("Denied.")
	}
}

// parsePermCallback decodes "perm:<allow|deny>:<id>".
func parsePermCallback(data string) (approve bool, id string, ok bool) {
	rest, found := strings.CutPrefix(data, permCallbackPrefix)
	if !found {
		return false, "", false
	}
	verdict, id, found := strings.Cut(rest, ":")
	if !found || id == "" {
		return false, "", false
	}
	switch verdict {
	case "allow":
		return true, id, true
	case "deny":
		return false, id, true
	default:
		return false, "", false
	}
}

// callbackMessage resolves the chat and message a callback button lives on.
func callbackMessage(cb *models.CallbackQuery) (int64, int, bool) {
	if cb.Message.Message == nil {
		return 0, 0, false
	}
	return cb.Message.Message.Chat.ID, cb.Message.Message.ID, true
}

// sendText sends plain text, splitting when it exceeds the message limit.
func (a *Adapter) sendText(ctx context.Context, chatID int64, text string) {
	for _, piece := range splitMessage(text, telegramMessageLimit) {
		if _, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   piece,
		}); err != nil {
			a.logger.Warn("send failed", "chat_id", chatID, "error", err)
			return
		}
	}
}

// allowedChat enforces the single-chat restriction.
func (a *Adapter) allowedChat(chatID int64) bool {
	return a.config.ChatID == 0 || chatID == a.config.ChatID
}

// sessionFor maps a chat to its gateway session.
func sessionFor(chatID int64) string {
	return sessionPrefix + strconv.FormatInt(chatID, 10)
}

// chatFor resolves a session back to its chat, enforcing the single-chat
// restriction. Non-Telegram sessions resolve to nothing.
func (a *Adapter) chatFor(session string) (int64, bool) {
	raw, found := strings.CutPrefix(session, sessionPrefix)
	if !found {
		return 0, false
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	if !a.allowedChat(chatID) {
		return 0, false
	}
	return chatID, true
}

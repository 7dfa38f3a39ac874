package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/agentblob/internal/runtime"
	blobmodels "github.com/haasonsaas/agentblob/pkg/models"
)

// promptRef locates a permission prompt message so it can be rewritten once
// the request resolves.
type promptRef struct {
	chatID    int64
	messageID int
	at        time.Time
}

// promptRetention bounds how long unresolved prompt refs are tracked.
// Expired requests emit no response event, so entries past the retention
// are dropped instead of waiting for one.
const promptRetention = time.Hour

// enqueueEvent hands a bus event to the dispatch goroutine. The bus calls
// sinks under its lock, so this must never block; overload drops the event.
func (a *Adapter) enqueueEvent(ev blobmodels.Event) {
	if !wantsEvent(ev) {
		return
	}
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("event buffer full, dropping event", "kind", ev.Kind, "seq", ev.Seq)
	}
}

// wantsEvent filters to the kinds the chat surface renders.
func wantsEvent(ev blobmodels.Event) bool {
	switch ev.Kind {
	case blobmodels.EventToken, blobmodels.EventRunFinal,
		blobmodels.EventPermissionRequest, blobmodels.EventPermissionResponse:
		return true
	default:
		return false
	}
}

// dispatchEvents is the single goroutine that mutates streams and prompts.
// The ticker flushes stream buffers that tokens alone would leave stale.
func (a *Adapter) dispatchEvents(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.EditInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.events:
			a.routeEvent(ctx, ev)
		case <-ticker.C:
			a.flushStreams(ctx)
		}
	}
}

func (a *Adapter) routeEvent(ctx context.Context, ev blobmodels.Event) {
	switch ev.Kind {
	case blobmodels.EventToken:
		a.onToken(ctx, ev)
	case blobmodels.EventRunFinal:
		a.onRunFinal(ctx, ev)
	case blobmodels.EventPermissionRequest:
		a.onPermissionRequest(ctx, ev)
	case blobmodels.EventPermissionResponse:
		a.onPermissionResponse(ctx, ev)
	}
}

// onToken appends a delta to the run's stream, opening one on the first
// token. Runs submitted from other surfaces onto a chat session stream the
// same way as runs submitted here.
func (a *Adapter) onToken(ctx context.Context, ev blobmodels.Event) {
	chatID, ok := a.chatFor(ev.SessionID)
	if !ok {
		return
	}
	st := a.streams[ev.RunID]
	if st == nil {
		if st = a.openStream(ctx, ev.RunID, chatID); st == nil {
			return
		}
	}
	var tok runtime.TokenPayload
	if err := json.Unmarshal(ev.Payload, &tok); err != nil {
		a.logger.Warn("bad token payload", "run_id", ev.RunID, "error", err)
		return
	}
	st.buf.WriteString(tok.Text)
	if time.Since(st.lastEdit) >= a.config.EditInterval {
		a.pushEdit(ctx, st, st.render())
	}
}

// onRunFinal replaces the stream with the final text, spilling overflow into
// follow-up messages. Runs that never streamed (a schedule firing on a chat
// session, say) get the final text as a fresh message.
func (a *Adapter) onRunFinal(ctx context.Context, ev blobmodels.Event) {
	chatID, ok := a.chatFor(ev.SessionID)
	if !ok {
		return
	}
	var final runtime.RunFinalPayload
	if err := json.Unmarshal(ev.Payload, &final); err != nil {
		a.logger.Warn("bad final payload", "run_id", ev.RunID, "error", err)
		return
	}
	st := a.streams[ev.RunID]
	delete(a.streams, ev.RunID)

	pieces := splitMessage(finalText(st, final), telegramMessageLimit)
	if len(pieces) == 0 {
		return
	}
	if st != nil {
		a.pushEdit(ctx, st, pieces[0])
		pieces = pieces[1:]
	}
	for _, piece := range pieces {
		a.sendText(ctx, chatID, piece)
	}
}

// onPermissionRequest posts an approval prompt with inline Allow/Deny
// buttons. Only runs on Telegram sessions prompt here; other surfaces keep
// their own approvals.
func (a *Adapter) onPermissionRequest(ctx context.Context, ev blobmodels.Event) {
	var req blobmodels.PermissionRequest
	if err := json.Unmarshal(ev.Payload, &req); err != nil {
		a.logger.Warn("bad permission payload", "error", err)
		return
	}
	chatID, ok := a.chatFor(ev.SessionID)
	if !ok {
		return
	}
	msg, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        permissionText(req),
		ReplyMarkup: permissionKeyboard(req.ID),
	})
	if err != nil {
		a.logger.Warn("permission prompt failed", "permission_id", req.ID, "error", err)
		return
	}
	a.prompts[req.ID] = promptRef{chatID: chatID, messageID: msg.ID, at: time.Now()}
	a.prunePrompts()
}

// onPermissionResponse rewrites the prompt message with the outcome and
// drops its keyboard, whichever surface decided it.
func (a *Adapter) onPermissionResponse(ctx context.Context, ev blobmodels.Event) {
	var resp runtime.PermissionResponsePayload
	if err := json.Unmarshal(ev.Payload, &resp); err != nil {
		return
	}
	ref, ok := a.prompts[resp.ID]
	if !ok {
		return
	}
	delete(a.prompts, resp.ID)

	text := fmt.Sprintf("%s: %s", verdictLabel(resp.State), resp.Capability)
	if resp.DecidedBy != "" {
		text += " (by " + resp.DecidedBy + ")"
	}
	if _, err := a.client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    ref.chatID,
		MessageID: ref.messageID,
		Text:      text,
	}); err != nil {
		a.logger.Warn("prompt edit failed", "permission_id", resp.ID, "error", err)
	}
}

// prunePrompts drops refs past the retention window.
func (a *Adapter) prunePrompts() {
	cutoff := time.Now().Add(-promptRetention)
	for id, ref := range a.prompts {
		if ref.at.Before(cutoff) {
			delete(a.prompts, id)
		}
	}
}

// permissionText renders an approval prompt for the chat.
func permissionText(req blobmodels.PermissionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Permission needed: %s (%s)", req.Tool, req.Capability)
	if req.Preview != "" {
		fmt.Fprintf(&b, "\n\n%s", clampText(req.Preview, 512))
	}
	if req.Reason != "" {
		fmt.Fprintf(&b, "\n\n%s", req.Reason)
	}
	if !req.ExpiresAt.IsZero() {
		fmt.Fprintf(&b, "\n\nExpires %s.", req.ExpiresAt.Format("15:04:05"))
	}
	return b.String()
}

func permissionKeyboard(id string) models.ReplyMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{{
			{Text: "Allow", CallbackData: permCallbackPrefix + "allow:" + id},
			{Text: "Deny", CallbackData: permCallbackPrefix + "deny:" + id},
		}},
	}
}

func verdictLabel(state blobmodels.PermissionState) string {
	switch state {
	case blobmodels.PermissionAllowed:
		return "Allowed"
	case blobmodels.PermissionDenied:
		return "Denied"
	case blobmodels.PermissionExpired:
		return "Expired"
	default:
		return "Pending"
	}
}

package telegram

import (
	"context"
	"strings"
	"time"

	"github.com/go-telegram/bot"

	"github.com/haasonsaas/agentblob/internal/runtime"
	blobmodels "github.com/haasonsaas/agentblob/pkg/models"
)

// streamPlaceholder is shown until the first token arrives.
const streamPlaceholder = "…"

// stream mirrors one run's output into a single Telegram message that is
// edited in place as tokens arrive. Owned by the dispatch goroutine.
type stream struct {
	chatID    int64
	messageID int
	buf       strings.Builder
	lastEdit  time.Time
	lastText  string
}

// render returns the message text for the current buffer.
func (st *stream) render() string {
	text := strings.TrimSpace(st.buf.String())
	if text == "" {
		return streamPlaceholder
	}
	return clampText(text, telegramMessageLimit)
}

// openStream sends the placeholder message that later edits rewrite. Returns
// nil when the send fails; the run's tokens are then dropped for this chat.
func (a *Adapter) openStream(ctx context.Context, runID string, chatID int64) *stream {
	msg, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   streamPlaceholder,
	})
	if err != nil {
		a.logger.Warn("stream open failed", "run_id", runID, "chat_id", chatID, "error", err)
		return nil
	}
	st := &stream{
		chatID:    chatID,
		messageID: msg.ID,
		lastEdit:  time.Now(),
		lastText:  streamPlaceholder,
	}
	a.streams[runID] = st
	return st
}

// pushEdit rewrites the stream message unless the text already matches.
func (a *Adapter) pushEdit(ctx context.Context, st *stream, text string) {
	if text == st.lastText {
		return
	}
	_, err := a.client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    st.chatID,
		MessageID: st.messageID,
		Text:      text,
	})
	if err != nil {
		a.logger.Warn("stream edit failed", "chat_id", st.chatID, "message_id", st.messageID, "error", err)
		return
	}
	st.lastText = text
	st.lastEdit = time.Now()
}

// flushStreams pushes buffers that changed since their last edit. Runs on
// the dispatch ticker so trailing tokens are not stranded between edits.
func (a *Adapter) flushStreams(ctx context.Context) {
	for _, st := range a.streams {
		if time.Since(st.lastEdit) >= a.config.EditInterval {
			a.pushEdit(ctx, st, st.render())
		}
	}
}

// finalText picks what the chat ultimately shows for a finished run: the
// summary when the executor produced one, otherwise the streamed text, with
// a status trailer for runs that did not finish cleanly.
func finalText(st *stream, final runtime.RunFinalPayload) string {
	text := strings.TrimSpace(final.Summary)
	if text == "" && st != nil {
		text = strings.TrimSpace(st.buf.String())
	}
	switch final.Status {
	case blobmodels.RunFailed:
		reason := final.Error
		if reason == "" {
			reason = "unknown error"
		}
		if text == "" {
			return "Run failed: " + reason
		}
		return text + "\n\nRun failed: " + reason
	case blobmodels.RunStopped:
		if text == "" {
			return "Run stopped."
		}
		return text + "\n\n(stopped)"
	default:
		if text == "" {
			return "Done."
		}
		return text
	}
}

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// WebhookHandler is a slog.Handler that forwards INFO+ records to a webhook
// in addition to the wrapped handler. Delivery is fire-and-forget; a lossy
// webhook must never slow down the reconciler.
type WebhookHandler struct {
	next     slog.Handler
	notifier *WebhookNotifier
	attrs    []slog.Attr
}

// NewWebhookHandler wraps next with webhook mirroring.
func NewWebhookHandler(next slog.Handler, notifier *WebhookNotifier) *WebhookHandler {
	return &WebhookHandler{next: next, notifier: notifier}
}

func (h *WebhookHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo || h.next.Enabled(ctx, level)
}

func (h *WebhookHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level >= slog.LevelInfo {
		message := h.format(record)
		go func() {
			_ = h.notifier.Notify(context.Background(), message)
		}()
	}
	if h.next.Enabled(ctx, record.Level) {
		return h.next.Handle(ctx, record)
	}
	return nil
}

func (h *WebhookHandler) format(record slog.Record) string {
	var sb strings.Builder
	sb.WriteString(record.Message)
	for _, attr := range h.attrs {
		fmt.Fprintf(&sb, " %s=%v", attr.Key, attr.Value)
	}
	record.Attrs(func(attr slog.Attr) bool {
		fmt.Fprintf(&sb, " %s=%v", attr.Key, attr.Value)
		return true
	})
	return sb.String()
}

func (h *WebhookHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &WebhookHandler{
		next:     h.next.WithAttrs(attrs),
		notifier: h.notifier,
		attrs:    append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *WebhookHandler) WithGroup(name string) slog.Handler {
	return &WebhookHandler{
		next:     h.next.WithGroup(name),
		notifier: h.notifier,
		attrs:    h.attrs,
	}
}

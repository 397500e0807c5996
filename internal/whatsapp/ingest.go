package whatsapp

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/LFGQueue/internal/models"
	"github.com/BTreeMap/LFGQueue/internal/queue"
	"github.com/BTreeMap/LFGQueue/internal/store"
	"github.com/BTreeMap/LFGQueue/internal/util"
)

// Ingester accepts observed chat messages.
type Ingester interface {
	Ingest(ctx context.Context, req models.IngestRequest) (*models.Message, error)
}

// handleMessage ingests one event. Rejections are logged and dropped.
func handleMessage(ctx context.Context, ing Ingester, evt *events.Message) {
	req, ok := toIngestRequest(evt)
	if !ok {
		return
	}
	_, err := ing.Ingest(ctx, req)
	switch {
	case err == nil:
		slog.Debug("WhatsApp message ingested", "message_id", req.MessageID, "group_id", req.Group.ID)
	case errors.Is(err, queue.ErrDuplicateContent), errors.Is(err, store.ErrDuplicateMessageID):
		slog.Debug("WhatsApp message dropped as duplicate", "message_id", req.MessageID, "error", err)
	case errors.Is(err, models.ErrValidation):
		slog.Warn("WhatsApp message rejected", "message_id", req.MessageID, "error", err)
	default:
		slog.Error("WhatsApp message ingestion failed", "message_id", req.MessageID, "error", err)
	}
}

// toIngestRequest maps a group text message to an ingest request. It reports
// false for events that are not incoming group text.
//
// WhatsApp ids are strings. The message id is hashed together with its chat,
// since ids are only unique per chat; sender and group ids keep their numeric
// user part when they have one.
func toIngestRequest(evt *events.Message) (models.IngestRequest, bool) {
	if evt == nil || evt.Message == nil {
		return models.IngestRequest{}, false
	}
	info := evt.Info
	if info.IsFromMe || !info.IsGroup || info.ID == "" {
		return models.IngestRequest{}, false
	}

	text := evt.Message.GetConversation()
	if text == "" {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return models.IngestRequest{}, false
	}

	return models.IngestRequest{
		MessageID:   util.StableInt63(info.Chat.String() + "/" + info.ID),
		MessageDate: info.Timestamp.UTC(),
		Sender: models.Sender{
			UserID:      util.NumericOrStableInt63(info.Sender.User),
			DisplayName: info.PushName,
		},
		Group: models.Group{
			ID: util.NumericOrStableInt63(info.Chat.User),
		},
		Content: text,
	}, true
}

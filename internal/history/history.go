package history

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"privchat/internal/apiclient"
	"privchat/internal/models"
)

const historyPath = "/api/chat/history/private/"

type getter interface {
	GetJSON(ctx context.Context, path string, out any) error
}

// Hydrator fetches the durable history of a one-to-one conversation.
type Hydrator struct {
	api    getter
	logger *slog.Logger
}

func New(api getter, logger *slog.Logger) *Hydrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hydrator{api: api, logger: logger}
}

// Fetch returns the validated history with counterpartID, oldest first, each
// entry tagged with the hydrated origin. Entries that fail validation are
// dropped rather than failing the whole conversation.
func (h *Hydrator) Fetch(ctx context.Context, counterpartID string) ([]models.Message, error) {
	var payload []models.WireMessage
	if err := h.api.GetJSON(ctx, historyPath+apiclient.PathEscape(counterpartID), &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch history with %s: %w", counterpartID, err)
	}

	messages := make([]models.Message, 0, len(payload))
	for _, wm := range payload {
		if err := wm.Validate(); err != nil {
			h.logger.Warn("skipping history entry", "counterpart_id", counterpartID, "error", err)
			continue
		}
		messages = append(messages, wm.ToMessage(models.OriginHydrated))
	}

	slices.SortStableFunc(messages, func(a, b models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return messages, nil
}

package presence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"privchat/internal/models"
)

// Tracker holds the set of online user ids. Every broadcast carries the full
// snapshot, so Apply replaces the set instead of patching it.
type Tracker struct {
	online map[string]struct{}
	logger *slog.Logger

	mu sync.RWMutex
}

func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		online: make(map[string]struct{}),
		logger: logger,
	}
}

// Apply atomically replaces the online set.
func (t *Tracker) Apply(snapshot []string) {
	next := make(map[string]struct{}, len(snapshot))
	for _, id := range snapshot {
		if id != "" {
			next[id] = struct{}{}
		}
	}

	t.mu.Lock()
	t.online = next
	t.mu.Unlock()
}

// Handle decodes an onlineUsers payload and applies it.
func (t *Tracker) Handle(data json.RawMessage) error {
	snapshot, err := decodeSnapshot(data)
	if err != nil {
		t.logger.Warn("dropping presence snapshot", "error", err)
		return err
	}
	t.Apply(snapshot)
	return nil
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Online returns the sorted online ids.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// decodeSnapshot accepts a list of ids. Entries shaped as user objects are
// reduced to their id; anything else is skipped.
func decodeSnapshot(data json.RawMessage) ([]string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("onlineUsers is not a list: %w", models.ErrMalformedPayload)
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		var u models.WireUser
		if err := json.Unmarshal(item, &u); err != nil || u.ID == "" {
			continue
		}
		ids = append(ids, u.ID)
	}
	return ids, nil
}

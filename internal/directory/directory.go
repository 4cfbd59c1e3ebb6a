package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"privchat/internal/models"

	"github.com/c-pro/geche"
)

const usersPath = "/api/user/all"

type getter interface {
	GetJSON(ctx context.Context, path string, out any) error
}

type presenceSource interface {
	IsOnline(userID string) bool
}

// Cache is the roster of known users. Profile data comes from REST and is
// replaced wholesale on Load; the online flag is merged from presence on every
// read and never written into the cache.
type Cache struct {
	api      getter
	presence presenceSource
	logger   *slog.Logger

	users *geche.MapCache[string, models.User]
	mu    sync.RWMutex
}

func New(api getter, presence presenceSource, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		api:      api,
		presence: presence,
		logger:   logger,
		users:    geche.NewMapCache[string, models.User](),
	}
}

// Load fetches the roster and replaces the cache. Malformed entries are skipped.
func (c *Cache) Load(ctx context.Context) ([]models.User, error) {
	var list models.UserList
	if err := c.api.GetJSON(ctx, usersPath, &list); err != nil {
		return nil, fmt.Errorf("failed to load directory: %w", err)
	}

	fresh := geche.NewMapCache[string, models.User]()
	for _, wu := range list.Users {
		u, err := wu.ToUser()
		if err != nil {
			c.logger.Warn("skipping directory entry", "error", err)
			continue
		}
		fresh.Set(u.ID, u)
	}

	c.mu.Lock()
	c.users = fresh
	c.mu.Unlock()

	c.logger.Info("directory loaded", "users", fresh.Len())
	return c.List(), nil
}

// Get returns the user with the given id, or models.ErrNotFound.
func (c *Cache) Get(userID string) (models.User, error) {
	c.mu.RLock()
	users := c.users
	c.mu.RUnlock()

	u, err := users.Get(userID)
	if err != nil {
		if errors.Is(err, geche.ErrNotFound) {
			return models.User{}, fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
		}
		return models.User{}, err
	}
	return c.withPresence(u), nil
}

// List returns all users sorted by display name.
func (c *Cache) List() []models.User {
	c.mu.RLock()
	snapshot := c.users.Snapshot()
	c.mu.RUnlock()

	users := make([]models.User, 0, len(snapshot))
	for _, u := range snapshot {
		users = append(users, c.withPresence(u))
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].DisplayName == users[j].DisplayName {
			return users[i].ID < users[j].ID
		}
		return users[i].DisplayName < users[j].DisplayName
	})
	return users
}

func (c *Cache) withPresence(u models.User) models.User {
	u.Online = c.presence != nil && c.presence.IsOnline(u.ID)
	return u
}

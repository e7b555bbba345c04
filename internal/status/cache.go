// Package status caches the last-known sync status so callers polling
// for "N chats pending upload" do not hit the local database (or
// re-derive the answer) on every poll. The cache is a hint: Invalidate
// drops the in-memory copy and forces a reload from persisted state.
package status

import (
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/state"
)

// Cache is an invalidate-on-write cache over one persisted status
// entry, identified by its storage key.
type Cache struct {
	store *state.Store
	key   string

	mu     sync.Mutex
	memo   *models.SyncStatus
	loaded bool
}

// New creates a cache bound to a storage key.
func New(store *state.Store, key string) *Cache {
	return &Cache{store: store, key: key}
}

// Load returns the cached status, falling back to persisted state.
// Returns nil when no status has ever been saved.
func (c *Cache) Load() (*models.SyncStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return c.memo, nil
	}

	persisted, err := c.store.GetStatus(c.key)
	if err != nil {
		return nil, err
	}

	c.memo = persisted
	c.loaded = true

	return c.memo, nil
}

// Save persists the status and updates the in-memory copy.
func (c *Cache) Save(s models.SyncStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.PutStatus(c.key, s); err != nil {
		return err
	}

	c.memo = &s
	c.loaded = true

	return nil
}

// Invalidate drops the in-memory copy without touching persisted
// state, forcing the next Load to re-read from disk.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.memo = nil
	c.loaded = false
}

// Clear removes both the in-memory copy and the persisted entry.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.DeleteStatus(c.key); err != nil {
		return err
	}

	c.memo = nil
	c.loaded = false

	return nil
}

package notify

import (
	"sync"

	"github.com/nhle/packrent/internal/event"
	"github.com/nhle/packrent/internal/model"
)

// Snapshot is the cache contents published after every mutation.
type Snapshot struct {
	Items  []model.Notification
	Unread int
}

// Cache holds the deduplicated, ordered notification list. The unread count
// is always recomputed from the list.
type Cache struct {
	mu     sync.Mutex
	items  []model.Notification
	unread int

	observers event.Registry[Snapshot]
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Subscribe registers fn for every change.
func (c *Cache) Subscribe(fn func(Snapshot)) event.Unregister {
	return c.observers.On(fn)
}

// Replace swaps the whole list. Later duplicates of an id are dropped.
func (c *Cache) Replace(list []model.Notification) {
	seen := make(map[string]struct{}, len(list))
	items := make([]model.Notification, 0, len(list))
	for _, n := range list {
		if n.ID == "" {
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		items = append(items, n)
	}

	c.mu.Lock()
	c.items = items
	snap := c.commitLocked()
	c.mu.Unlock()

	c.observers.Emit(snap)
}

// Add prepends n unless its id is already present. It reports whether n was
// added.
func (c *Cache) Add(n model.Notification) bool {
	if n.ID == "" {
		return false
	}

	c.mu.Lock()
	if c.indexLocked(n.ID) >= 0 {
		c.mu.Unlock()
		return false
	}
	c.items = append([]model.Notification{n}, c.items...)
	snap := c.commitLocked()
	c.mu.Unlock()

	c.observers.Emit(snap)
	return true
}

// SetRead sets the read flag of id and returns its previous value. ok is
// false when id is not cached.
func (c *Cache) SetRead(id string, read bool) (prev bool, ok bool) {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return false, false
	}
	prev = c.items[i].IsRead
	if prev == read {
		c.mu.Unlock()
		return prev, true
	}
	c.items[i].IsRead = read
	snap := c.commitLocked()
	c.mu.Unlock()

	c.observers.Emit(snap)
	return prev, true
}

// MarkAllRead marks every entry read and returns the ids that changed.
func (c *Cache) MarkAllRead() []string {
	c.mu.Lock()
	var changed []string
	for i := range c.items {
		if !c.items[i].IsRead {
			c.items[i].IsRead = true
			changed = append(changed, c.items[i].ID)
		}
	}
	if len(changed) == 0 {
		c.mu.Unlock()
		return nil
	}
	snap := c.commitLocked()
	c.mu.Unlock()

	c.observers.Emit(snap)
	return changed
}

// Remove deletes id and returns the removed entry with its former index.
func (c *Cache) Remove(id string) (model.Notification, int, bool) {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return model.Notification{}, -1, false
	}
	removed := c.items[i]
	c.items = append(c.items[:i:i], c.items[i+1:]...)
	snap := c.commitLocked()
	c.mu.Unlock()

	c.observers.Emit(snap)
	return removed, i, true
}

// Restore re-inserts n at index (clamped) unless its id came back meanwhile.
func (c *Cache) Restore(n model.Notification, index int) bool {
	if n.ID == "" {
		return false
	}

	c.mu.Lock()
	if c.indexLocked(n.ID) >= 0 {
		c.mu.Unlock()
		return false
	}
	index = max(0, min(index, len(c.items)))
	items := make([]model.Notification, 0, len(c.items)+1)
	items = append(items, c.items[:index]...)
	items = append(items, n)
	items = append(items, c.items[index:]...)
	c.items = items
	snap := c.commitLocked()
	c.mu.Unlock()

	c.observers.Emit(snap)
	return true
}

// Clear empties the cache and returns what was removed, in order.
func (c *Cache) Clear() []model.Notification {
	c.mu.Lock()
	removed := c.items
	c.items = nil
	snap := c.commitLocked()
	c.mu.Unlock()

	c.observers.Emit(snap)
	return removed
}

// Get returns the entry for id.
func (c *Cache) Get(id string) (model.Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.items[i], true
	}
	return model.Notification{}, false
}

// List returns a copy of the entries in display order.
func (c *Cache) List() []model.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Notification(nil), c.items...)
}

// UnreadCount returns the number of unread entries.
func (c *Cache) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// Snapshot returns the current contents.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Items: append([]model.Notification(nil), c.items...), Unread: c.unread}
}

func (c *Cache) indexLocked(id string) int {
	for i := range c.items {
		if c.items[i].ID == id {
			return i
		}
	}
	return -1
}

// commitLocked recounts unread entries and returns the snapshot to publish.
func (c *Cache) commitLocked() Snapshot {
	unread := 0
	for i := range c.items {
		if !c.items[i].IsRead {
			unread++
		}
	}
	c.unread = unread
	return Snapshot{Items: append([]model.Notification(nil), c.items...), Unread: unread}
}

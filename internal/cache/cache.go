package cache

import (
	"sync"

	"spacetime-relay/internal/entity"
)

// Cache is the relay's in-memory mirror of the backing store's entity table.
//
// The upstream change path is the only writer. Readers (session catch-up,
// diagnostics) may call Snapshot concurrently with writes.
type Cache struct {
	mu       sync.RWMutex
	entities map[entity.ID]entity.Entity
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entities: make(map[entity.ID]entity.Entity)}
}

// Apply folds one change into the cache and returns the entity as it should
// be reported downstream. Inserts and updates upsert (merged with any prior
// row); deletes remove the row if present. Deleting an absent id is a no-op.
func (c *Cache) Apply(e entity.Entity, op entity.Operation) entity.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, known := c.entities[e.ID]
	switch op {
	case entity.OperationDelete:
		if !known {
			return e
		}
		delete(c.entities, e.ID)
		return entity.Merge(prev, e)
	default:
		next := e
		if known {
			next = entity.Merge(prev, e)
		}
		c.entities[e.ID] = next.Clone()
		return next
	}
}

// Replace installs a freshly loaded snapshot. Ids absent from rows are
// dropped; present ids are overwritten in place.
func (c *Cache) Replace(rows []entity.Entity) {
	fresh := make(map[entity.ID]struct{}, len(rows))
	for _, row := range rows {
		fresh[row.ID] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.entities {
		if _, ok := fresh[id]; !ok {
			delete(c.entities, id)
		}
	}
	for _, row := range rows {
		c.entities[row.ID] = row.Clone()
	}
}

// Snapshot copies every cached entity in unspecified order.
func (c *Cache) Snapshot() []entity.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]entity.Entity, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, e.Clone())
	}
	return out
}

// Get returns the cached entity for id.
func (c *Cache) Get(id entity.ID) (entity.Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entities[id]
	if !ok {
		return entity.Entity{}, false
	}
	return e.Clone(), true
}

// Len reports the number of cached entities.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entities)
}

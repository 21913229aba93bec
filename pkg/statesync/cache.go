package statesync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const cacheFileName = "cache.json"

// Cache mirrors the latest journal record per entity for indexed queries.
// Readers may observe state up to one debounce window stale; the journals
// remain authoritative and the cache is always rebuildable from them.
type Cache struct {
	mu      sync.RWMutex
	schemas map[string]map[string]json.RawMessage
}

type cacheSnapshot struct {
	Digest  string                                `json:"digest"`
	Schemas map[string]map[string]json.RawMessage `json:"schemas"`
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{schemas: make(map[string]map[string]json.RawMessage)}
}

// Put stores the latest record data for an entity.
func (c *Cache) Put(schema, id string, data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.schemas[schema] == nil {
		c.schemas[schema] = make(map[string]json.RawMessage)
	}

	c.schemas[schema][id] = data
}

// Delete removes an entity from the cache.
func (c *Cache) Delete(schema, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.schemas[schema], id)
}

// Get returns the cached record data for an entity.
func (c *Cache) Get(schema, id string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, ok := c.schemas[schema][id]

	return data, ok
}

// All returns every cached entity of a schema keyed by id.
func (c *Cache) All(schema string) map[string]json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(c.schemas[schema]))
	for id, data := range c.schemas[schema] {
		out[id] = data
	}

	return out
}

// Save writes the cache snapshot with its integrity digest.
func (c *Cache) Save(dir string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	digest, err := digestSchemas(c.schemas)
	if err != nil {
		return err
	}

	snapshot := cacheSnapshot{Digest: digest, Schemas: c.schemas}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode cache snapshot: %w", err)
	}

	tmp := filepath.Join(dir, cacheFileName+".tmp")
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write cache snapshot: %w", err)
	}

	return os.Rename(tmp, filepath.Join(dir, cacheFileName))
}

// Load reads the snapshot and verifies its digest. A missing snapshot loads
// an empty cache; a digest mismatch returns ErrCacheCorrupt.
func (c *Cache) Load(dir string) error {
	payload, err := os.ReadFile(filepath.Join(dir, cacheFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to read cache snapshot: %w", err)
	}

	var snapshot cacheSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheCorrupt, err)
	}

	digest, err := digestSchemas(snapshot.Schemas)
	if err != nil {
		return err
	}

	if digest != snapshot.Digest {
		return ErrCacheCorrupt
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if snapshot.Schemas == nil {
		snapshot.Schemas = make(map[string]map[string]json.RawMessage)
	}

	c.schemas = snapshot.Schemas

	return nil
}

// Rebuild discards the current contents and replays every journal.
func (c *Cache) Rebuild(j *journal) error {
	schemas, err := j.Schemas()
	if err != nil {
		return err
	}

	rebuilt := make(map[string]map[string]json.RawMessage)

	for _, schema := range schemas {
		entities := make(map[string]json.RawMessage)

		err := j.Replay(schema, func(rec Record) error {
			switch rec.Kind {
			case KindDelete:
				delete(entities, rec.EntityID)
			default:
				entities[rec.EntityID] = rec.Data
			}

			return nil
		})
		if err != nil {
			return err
		}

		rebuilt[schema] = entities
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.schemas = rebuilt

	return nil
}

// digestSchemas hashes the cache contents in deterministic order.
func digestSchemas(schemas map[string]map[string]json.RawMessage) (string, error) {
	h := sha256.New()

	schemaNames := make([]string, 0, len(schemas))
	for name := range schemas {
		schemaNames = append(schemaNames, name)
	}

	sort.Strings(schemaNames)

	for _, name := range schemaNames {
		entities := schemas[name]

		ids := make([]string, 0, len(entities))
		for id := range entities {
			ids = append(ids, id)
		}

		sort.Strings(ids)

		for _, id := range ids {
			fmt.Fprintf(h, "%s\x00%s\x00", name, id)
			h.Write(entities[id])
			h.Write([]byte{'\n'})
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

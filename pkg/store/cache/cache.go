// Package cache implements the write-through in-memory secrets cache that
// the credentials façade falls back to while the secrets tier is closed
// (spec §4.1, §6.6 "write-through cache flush").
package cache

import "sync"

// CachedSecret holds a pending (username, password) write for an identity
// whose secrets-tier write was deferred because the tier was closed.
type CachedSecret struct {
	Username      string
	Password      string
	StorePassword bool
}

// Cache buffers secrets-tier writes while the secrets tier is closed. It is
// safe for concurrent use; the façade holds a single instance for the
// lifetime of the process.
type Cache struct {
	mu      sync.Mutex
	secrets map[uint32]CachedSecret
	data    map[uint32]map[int64]map[string][]byte // identity -> method -> blob
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		secrets: map[uint32]CachedSecret{},
		data:    map[uint32]map[int64]map[string][]byte{},
	}
}

// PutSecret records a pending secret write for id, overwriting any
// previously cached value.
func (c *Cache) PutSecret(id uint32, secret CachedSecret) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets[id] = secret
}

// Secret returns the cached secret for id, if any.
func (c *Cache) Secret(id uint32) (CachedSecret, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	secret, ok := c.secrets[id]
	return secret, ok
}

// PutData records a pending session data write for (id, methodID),
// replacing any previous blob for that pair (matching store_data's
// replace-whole-blob semantics).
func (c *Cache) PutData(id uint32, methodID int64, data map[string][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byMethod, ok := c.data[id]
	if !ok {
		byMethod = map[int64]map[string][]byte{}
		c.data[id] = byMethod
	}
	byMethod[methodID] = data
}

// Data returns the cached session data for (id, methodID), if any.
func (c *Cache) Data(id uint32, methodID int64) (map[string][]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byMethod, ok := c.data[id]
	if !ok {
		return nil, false
	}
	data, ok := byMethod[methodID]
	return data, ok
}

// RemoveData drops cached session data. When methodID is nil every method's
// data for id is dropped, mirroring secretsdb.Store.RemoveData.
func (c *Cache) RemoveData(id uint32, methodID *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if methodID == nil {
		delete(c.data, id)
		return
	}
	if byMethod, ok := c.data[id]; ok {
		delete(byMethod, *methodID)
	}
}

// Flush drains the cache into the secrets tier. persistSecret is invoked
// for identities whose cached secret had StorePassword set at write time;
// entries written with StorePassword false are never persisted and stay
// cached for the life of the process (spec invariant 3), so they are left
// in place. persistData is invoked for every cached session-data blob.
// Entries are removed only after their persist callback succeeds, which
// makes repeated Flush calls pick up where a partial failure left off
// (spec §8: "secrets cache flush is idempotent across tier open/close
// cycles").
func (c *Cache) Flush(
	persistSecret func(id uint32, secret CachedSecret) error,
	persistData func(id uint32, methodID int64, data map[string][]byte) error,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, secret := range c.secrets {
		if !secret.StorePassword {
			continue
		}
		if err := persistSecret(id, secret); err != nil {
			return err
		}
		delete(c.secrets, id)
	}

	for id, byMethod := range c.data {
		for methodID, blob := range byMethod {
			if err := persistData(id, methodID, blob); err != nil {
				return err
			}
			delete(byMethod, methodID)
		}
		if len(byMethod) == 0 {
			delete(c.data, id)
		}
	}

	return nil
}

// Clear empties the cache, including the entries Flush leaves in place.
// The façade calls it from Store.Clear, after both tiers have been
// emptied; opening or closing the secrets tier does not call it.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets = map[uint32]CachedSecret{}
	c.data = map[uint32]map[int64]map[string][]byte{}
}

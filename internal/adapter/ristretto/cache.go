// Package ristretto provides an in-process cache of decoded heartbeat
// records, so the coordinator's per-tick snapshot does not re-decode files
// that have not changed on disk.
package ristretto

import (
	"github.com/dgraph-io/ristretto/v2"

	"swarmgate/internal/domain/terminal"
)

// assumed average on-disk size of one heartbeat record, used to turn a
// byte budget into an entry budget.
const bytesPerRecord = 1024

// Cache maps a file identity key (path, mtime, size) to its decoded record.
type Cache struct {
	c *ristretto.Cache[string, terminal.Heartbeat]
}

// New creates a heartbeat cache with roughly maxCostMB megabytes of budget.
func New(maxCostMB int64) (*Cache, error) {
	maxEntries := maxCostMB * 1024 * 1024 / bytesPerRecord
	c, err := ristretto.NewCache(&ristretto.Config[string, terminal.Heartbeat]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get retrieves a decoded record by file identity key.
func (c *Cache) Get(key string) (terminal.Heartbeat, bool) {
	return c.c.Get(key)
}

// Set stores a decoded record under its file identity key.
func (c *Cache) Set(key string, hb terminal.Heartbeat) {
	c.c.Set(key, hb, 1)
}

// Close shuts down the cache and releases resources.
func (c *Cache) Close() {
	c.c.Close()
}

package cache

import (
	"encoding/json"
	"log"
	"time"

	"github.com/patrickmn/go-cache"
)

const recordRetention = 24 * time.Hour

// RunCache tracks pipeline runs: which applications have a run in flight, and
// the most recent record per run id.
type RunCache struct {
	inflight *cache.Cache
	records  *cache.Cache
}

func NewRunCache() *RunCache {
	return &RunCache{
		inflight: cache.New(cache.NoExpiration, 0),
		records:  cache.New(recordRetention, 10*time.Minute),
	}
}

// Begin marks app as having a run in flight. It returns false when another
// run for the same application has not finished yet.
func (c *RunCache) Begin(app string) bool {
	err := c.inflight.Add(app, time.Now(), cache.NoExpiration)
	return err == nil
}

// Finish clears the in-flight mark for app.
func (c *RunCache) Finish(app string) {
	c.inflight.Delete(app)
}

// Store keeps the latest record for a run id.
func (c *RunCache) Store(id string, record any) {
	c.records.Set(id, record, cache.DefaultExpiration)
}

// Read returns the cached record for a run id, JSON encoded.
func (c *RunCache) Read(id string) ([]byte, bool) {
	record, ok := c.records.Get(id)
	if !ok {
		return nil, false
	}

	data, err := json.Marshal(record)
	if err != nil {
		log.Printf("Error marshalling cached record %v: %v\n", id, err)
		return nil, false
	}

	return data, true
}

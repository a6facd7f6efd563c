package scheduler

import (
	"sync"

	"github.com/nexusidp/document-processor/internal/model"
)

// memPageCache is the scheduler's transient in-memory page cache
// (pagestore read priority 3): serves reads while a stage is still
// writing to the durable cache.
type memPageCache struct {
	mu   sync.RWMutex
	data map[string]map[int]model.PageExtraction
}

func newMemPageCache() *memPageCache {
	return &memPageCache{data: make(map[string]map[int]model.PageExtraction)}
}

func (c *memPageCache) Put(docID string, pageIndex int, pe model.PageExtraction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pages, ok := c.data[docID]
	if !ok {
		pages = make(map[int]model.PageExtraction)
		c.data[docID] = pages
	}
	pages[pageIndex] = pe
}

func (c *memPageCache) Get(docID string, pageIndex int) (model.PageExtraction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pages, ok := c.data[docID]
	if !ok {
		return model.PageExtraction{}, false
	}
	pe, ok := pages[pageIndex]
	return pe, ok
}

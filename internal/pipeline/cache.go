package pipeline

import (
	"sync"

	"riskpulse/internal/models"
)

// Cache holds the last-known-good metrics per user. Stored values are
// never mutated, so readers may share them.
type Cache struct {
	mu sync.RWMutex
	m  map[string]*models.RiskMetrics
}

func NewCache() *Cache {
	return &Cache{m: make(map[string]*models.RiskMetrics)}
}

func (c *Cache) Latest(userID string) *models.RiskMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.m[userID]
}

func (c *Cache) set(userID string, m *models.RiskMetrics) {
	c.mu.Lock()
	c.m[userID] = m
	c.mu.Unlock()
}

func (c *Cache) Users() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.m))
	for u := range c.m {
		out = append(out, u)
	}
	return out
}

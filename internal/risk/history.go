package risk

import (
	"sync"

	"riskpulse/internal/models"
)

// History keeps a bounded rolling price window per user and symbol. The
// benchmark is sampled into each user's own series on every Append, so a
// user's portfolio and benchmark points are taken at the same moments.
type History struct {
	mu        sync.RWMutex
	window    int
	users     map[string]*userHistory
	benchmark float64
}

type userHistory struct {
	symbols   map[string][]float64
	benchmark []float64
}

func NewHistory(window int) *History {
	if window < 2 {
		window = 2
	}
	return &History{window: window, users: make(map[string]*userHistory)}
}

// Append records one point per held symbol, and the latest benchmark
// quote if one is known.
func (h *History) Append(snap models.PositionSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.users[snap.UserID]
	if !ok {
		u = &userHistory{symbols: make(map[string][]float64)}
		h.users[snap.UserID] = u
	}
	seen := make(map[string]bool, len(snap.Positions))
	for _, p := range snap.Positions {
		if p.CurrentPrice <= 0 || seen[p.Symbol] {
			continue
		}
		seen[p.Symbol] = true
		u.symbols[p.Symbol] = h.push(u.symbols[p.Symbol], p.CurrentPrice)
	}
	if h.benchmark > 0 {
		u.benchmark = h.push(u.benchmark, h.benchmark)
	}
}

// SetBenchmark stores the latest benchmark quote. It is recorded for a
// user on that user's next Append.
func (h *History) SetBenchmark(price float64) {
	if price <= 0 {
		return
	}
	h.mu.Lock()
	h.benchmark = price
	h.mu.Unlock()
}

func (h *History) push(s []float64, v float64) []float64 {
	s = append(s, v)
	if len(s) > h.window {
		s = append(s[:0:0], s[len(s)-h.window:]...)
	}
	return s
}

// Prices returns copies of the user's series for the given symbols.
func (h *History) Prices(userID string, symbols []string) map[string][]float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string][]float64, len(symbols))
	u := h.users[userID]
	if u == nil {
		return out
	}
	for _, s := range symbols {
		if src, ok := u.symbols[s]; ok {
			out[s] = append([]float64(nil), src...)
		}
	}
	return out
}

// Benchmark returns the benchmark series sampled at the user's points.
func (h *History) Benchmark(userID string) []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	u := h.users[userID]
	if u == nil {
		return nil
	}
	return append([]float64(nil), u.benchmark...)
}

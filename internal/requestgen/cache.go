package requestgen

import "sync"

type fillerKey struct {
	tokens int
	model  string
}

type fillerEntry struct {
	filler string
	tokens int
}

// FillerCache remembers the filler text generated for a token target so
// later requests skip re-tokenization. It is safe for concurrent use and may
// be shared by several builders.
type FillerCache struct {
	mu      sync.Mutex
	entries map[fillerKey]fillerEntry
}

// NewFillerCache returns an empty cache.
func NewFillerCache() *FillerCache {
	return &FillerCache{entries: make(map[fillerKey]fillerEntry)}
}

// GetOrFill returns the cached filler and token count for (tokens, model),
// calling fill to produce them on a miss. The lock is held across fill so
// concurrent misses generate the filler once.
func (c *FillerCache) GetOrFill(tokens int, model string, fill func() (string, int, error)) (string, int, error) {
	key := fillerKey{tokens: tokens, model: model}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[fillerKey]fillerEntry)
	}
	if e, ok := c.entries[key]; ok {
		return e.filler, e.tokens, nil
	}
	filler, count, err := fill()
	if err != nil {
		return "", 0, err
	}
	c.entries[key] = fillerEntry{filler: filler, tokens: count}
	return filler, count, nil
}

// Len reports how many targets have cached filler.
func (c *FillerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

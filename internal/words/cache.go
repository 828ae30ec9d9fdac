package words

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/catalog"
)

const (
	DefaultMaxCacheSize    = 15000
	DefaultRefillThreshold = 50
)

type CacheConfig struct {
	MaxSize         int
	RefillThreshold int
	Clock           func() time.Time
}

// ModeCacheStats summarizes one mode's pool.
type ModeCacheStats struct {
	Total      int       `json:"total"`
	Available  int       `json:"available"`
	Used       int       `json:"used"`
	LastRefill time.Time `json:"lastRefill"`
}

type cacheEntry struct {
	words      []catalog.Word
	usedIDs    map[int64]struct{}
	lastRefill time.Time
}

func (e *cacheEntry) unconsumed(words []catalog.Word, count int) []catalog.Word {
	if count <= 0 {
		return []catalog.Word{}
	}
	result := make([]catalog.Word, 0, count)
	for _, word := range words {
		if _, used := e.usedIDs[word.ID]; used {
			continue
		}
		result = append(result, word)
		if len(result) == count {
			break
		}
	}
	return result
}

func (e *cacheEntry) markUsed(words []catalog.Word) {
	for _, word := range words {
		e.usedIDs[word.ID] = struct{}{}
	}
}

func (e *cacheEntry) availableCount() int {
	count := 0
	for _, word := range e.words {
		if _, used := e.usedIDs[word.ID]; !used {
			count++
		}
	}
	return count
}

// CacheManager keeps a bounded pool of candidate words per mode and the ids
// consumed from it during the current session. Foreground draws and background
// preloads share it, so every method takes the lock.
type CacheManager struct {
	mu              sync.Mutex
	entries         map[catalog.Mode]*cacheEntry
	preloading      map[catalog.Mode]struct{}
	maxSize         int
	refillThreshold int
	clock           func() time.Time
}

func NewCacheManager(cfg CacheConfig) *CacheManager {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxCacheSize
	}
	threshold := cfg.RefillThreshold
	if threshold <= 0 {
		threshold = DefaultRefillThreshold
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CacheManager{
		entries:         make(map[catalog.Mode]*cacheEntry),
		preloading:      make(map[catalog.Mode]struct{}),
		maxSize:         maxSize,
		refillThreshold: threshold,
		clock:           clock,
	}
}

func (c *CacheManager) entry(mode catalog.Mode) *cacheEntry {
	existing, ok := c.entries[mode]
	if !ok {
		existing = &cacheEntry{usedIDs: make(map[int64]struct{})}
		c.entries[mode] = existing
	}
	return existing
}

// peek returns up to count unconsumed words without consuming them.
func (c *CacheManager) peek(mode catalog.Mode, count int) []catalog.Word {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[mode]
	if !ok {
		return []catalog.Word{}
	}
	return existing.unconsumed(existing.words, count)
}

// Take returns up to count unconsumed words and marks them consumed in the
// same critical section, so concurrent draws never share a word.
func (c *CacheManager) Take(mode catalog.Mode, count int) []catalog.Word {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[mode]
	if !ok {
		return []catalog.Word{}
	}
	taken := existing.unconsumed(existing.words, count)
	existing.markUsed(taken)
	return taken
}

// AddAndTake merges words fetched from the store into the pool, then takes up
// to count of them that are still unconsumed.
func (c *CacheManager) AddAndTake(mode catalog.Mode, words []catalog.Word, count int) []catalog.Word {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing := c.entry(mode)
	c.addLocked(mode, existing, words)
	taken := existing.unconsumed(eligible(mode, words), count)
	existing.markUsed(taken)
	return taken
}

// addWords appends words whose ids are not cached yet, then keeps only the most
// recently added maxSize entries.
func (c *CacheManager) addWords(mode catalog.Mode, words []catalog.Word) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.addLocked(mode, c.entry(mode), words)
}

// addLocked skips words the mode cannot serve.
func (c *CacheManager) addLocked(mode catalog.Mode, existing *cacheEntry, words []catalog.Word) {
	seen := make(map[int64]struct{}, len(existing.words)+len(words))
	for _, word := range existing.words {
		seen[word.ID] = struct{}{}
	}
	for _, word := range eligible(mode, words) {
		if _, duplicate := seen[word.ID]; duplicate {
			continue
		}
		seen[word.ID] = struct{}{}
		existing.words = append(existing.words, word)
	}
	if overflow := len(existing.words) - c.maxSize; overflow > 0 {
		existing.words = append([]catalog.Word(nil), existing.words[overflow:]...)
	}
	existing.lastRefill = c.clock()
}

// markAsUsed adds ids to the mode's consumed set. Unknown modes are ignored.
func (c *CacheManager) markAsUsed(mode catalog.Mode, wordIDs []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[mode]
	if !ok {
		return
	}
	for _, id := range wordIDs {
		existing.usedIDs[id] = struct{}{}
	}
}

func eligible(mode catalog.Mode, words []catalog.Word) []catalog.Word {
	result := make([]catalog.Word, 0, len(words))
	for _, word := range words {
		if word.ModeFlags.Has(mode) {
			result = append(result, word)
		}
	}
	return result
}

// consumedIDs returns the consumed ids of one mode.
func (c *CacheManager) consumedIDs(mode catalog.Mode) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[mode]
	if !ok {
		return []int64{}
	}
	ids := make([]int64, 0, len(existing.usedIDs))
	for id := range existing.usedIDs {
		ids = append(ids, id)
	}
	return ids
}

// AllUsedIDs returns the union of consumed ids across modes.
func (c *CacheManager) AllUsedIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	union := make(map[int64]struct{})
	for _, existing := range c.entries {
		for id := range existing.usedIDs {
			union[id] = struct{}{}
		}
	}
	ids := make([]int64, 0, len(union))
	for id := range union {
		ids = append(ids, id)
	}
	return ids
}

// NeedsRefill reports whether the mode has fewer unconsumed words than the threshold.
func (c *CacheManager) NeedsRefill(mode catalog.Mode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[mode]
	if !ok {
		return true
	}
	return existing.availableCount() < c.refillThreshold
}

func (c *CacheManager) AvailableCount(mode catalog.Mode) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[mode]
	if !ok {
		return 0
	}
	return existing.availableCount()
}

func (c *CacheManager) IsPreloading(mode catalog.Mode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, running := c.preloading[mode]
	return running
}

// StartPreload claims the mode's preload slot. It returns false when another
// preload already holds it.
func (c *CacheManager) StartPreload(mode catalog.Mode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, running := c.preloading[mode]; running {
		return false
	}
	c.preloading[mode] = struct{}{}
	return true
}

func (c *CacheManager) EndPreload(mode catalog.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.preloading, mode)
}

// clearMode empties the mode's candidate list and consumed set.
func (c *CacheManager) clearMode(mode catalog.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[mode]; ok {
		existing.words = nil
		existing.usedIDs = make(map[int64]struct{})
		existing.lastRefill = time.Time{}
	}
}

// ReplaceMode swaps the mode's pool for words in one step. The consumed set is
// kept and consumed words are left out of the new pool, so a preload that
// raced with draws cannot bring served words back.
func (c *CacheManager) ReplaceMode(mode catalog.Mode, words []catalog.Word) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing := c.entry(mode)
	fresh := make([]catalog.Word, 0, len(words))
	for _, word := range words {
		if _, used := existing.usedIDs[word.ID]; !used {
			fresh = append(fresh, word)
		}
	}
	existing.words = nil
	c.addLocked(mode, existing, fresh)
}

// ClearAll drops every pool and preload claim.
func (c *CacheManager) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[catalog.Mode]*cacheEntry)
	c.preloading = make(map[catalog.Mode]struct{})
}

// ResetUsed clears the consumed set of the given modes, or of every mode when none are given.
func (c *CacheManager) ResetUsed(modes ...catalog.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(modes) == 0 {
		for _, existing := range c.entries {
			existing.usedIDs = make(map[int64]struct{})
		}
		return
	}
	for _, mode := range modes {
		if existing, ok := c.entries[mode]; ok {
			existing.usedIDs = make(map[int64]struct{})
		}
	}
}

func (c *CacheManager) Stats() map[catalog.Mode]ModeCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := make(map[catalog.Mode]ModeCacheStats, len(c.entries))
	for mode, existing := range c.entries {
		stats[mode] = ModeCacheStats{
			Total:      len(existing.words),
			Available:  existing.availableCount(),
			Used:       len(existing.usedIDs),
			LastRefill: existing.lastRefill,
		}
	}
	return stats
}

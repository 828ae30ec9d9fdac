package words

import (
	"slices"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/catalog"
)

func TestCacheAddWordsDeduplicatesAndBoundsSize(t *testing.T) {
	cache := NewCacheManager(CacheConfig{MaxSize: 5, Clock: testClock})

	cache.addWords(catalog.ModeClassic, numberedWords(1, 3))
	cache.addWords(catalog.ModeClassic, numberedWords(2, 3))
	if total := cache.Stats()[catalog.ModeClassic].Total; total != 4 {
		t.Fatalf("expected 4 distinct words, got %d", total)
	}

	cache.addWords(catalog.ModeClassic, numberedWords(10, 4))
	stats := cache.Stats()[catalog.ModeClassic]
	if stats.Total != 5 {
		t.Fatalf("expected pool bounded to 5, got %d", stats.Total)
	}
	if !stats.LastRefill.Equal(testNow) {
		t.Fatalf("expected last refill %s, got %s", testNow, stats.LastRefill)
	}

	kept := idsOf(cache.peek(catalog.ModeClassic, 10))
	if !slices.Equal(kept, []int64{4, 10, 11, 12, 13}) {
		t.Fatalf("expected the newest words to survive, got %v", kept)
	}

	for batch := 0; batch < 10; batch++ {
		cache.addWords(catalog.ModeClassic, numberedWords(100+batch*7, 7))
		if total := cache.Stats()[catalog.ModeClassic].Total; total > 5 {
			t.Fatalf("batch %d: pool grew to %d", batch, total)
		}
	}
}

func TestCacheSkipsWordsTheModeCannotServe(t *testing.T) {
	cache := NewCacheManager(CacheConfig{})
	words := []catalog.Word{
		{ID: 1, Target: "Fotosentez", ModeFlags: catalog.FlagClassic},
		{ID: 2, Target: "Yüzmek", ModeFlags: catalog.FlagSilent},
		{ID: 3, Target: "Kervan", ModeFlags: catalog.FlagClassic | catalog.FlagJourney},
	}

	cache.addWords(catalog.ModeClassic, words)
	if got := idsOf(cache.peek(catalog.ModeClassic, 10)); !slices.Equal(got, []int64{1, 3}) {
		t.Fatalf("expected classic pool [1 3], got %v", got)
	}

	taken := cache.AddAndTake(catalog.ModeSilent, words, 5)
	if got := idsOf(taken); !slices.Equal(got, []int64{2}) {
		t.Fatalf("expected silent draw [2], got %v", got)
	}
}

func TestCacheWordsSkipsConsumedWithoutMutating(t *testing.T) {
	cache := NewCacheManager(CacheConfig{})
	if got := cache.peek(catalog.ModeSilent, 3); len(got) != 0 {
		t.Fatalf("expected empty pool, got %v", idsOf(got))
	}

	cache.addWords(catalog.ModeSilent, numberedWords(1, 5))
	cache.markAsUsed(catalog.ModeSilent, []int64{1, 3})

	first := idsOf(cache.peek(catalog.ModeSilent, 2))
	second := idsOf(cache.peek(catalog.ModeSilent, 2))
	if !slices.Equal(first, []int64{2, 4}) || !slices.Equal(first, second) {
		t.Fatalf("expected repeated peeks of [2 4], got %v then %v", first, second)
	}
	if available := cache.AvailableCount(catalog.ModeSilent); available != 3 {
		t.Fatalf("expected 3 available, got %d", available)
	}
	if used := cache.consumedIDs(catalog.ModeSilent); !sameIDs(used, []int64{1, 3}) {
		t.Fatalf("unexpected consumed set %v", used)
	}
}

func TestCacheTakeConsumesWhatItReturns(t *testing.T) {
	cache := NewCacheManager(CacheConfig{})
	if got := cache.Take(catalog.ModeClassic, 2); len(got) != 0 {
		t.Fatalf("expected nothing from an unknown mode, got %v", idsOf(got))
	}

	cache.addWords(catalog.ModeClassic, numberedWords(1, 12))
	cache.markAsUsed(catalog.ModeClassic, []int64{2, 7})

	drawn := idsOf(cache.Take(catalog.ModeClassic, 3))
	if !slices.Equal(drawn, []int64{1, 3, 4}) {
		t.Fatalf("expected fresh ids [1 3 4], got %v", drawn)
	}
	if used := cache.consumedIDs(catalog.ModeClassic); !sameIDs(used, []int64{1, 2, 3, 4, 7}) {
		t.Fatalf("expected drawn ids in the consumed set, got %v", used)
	}
	if next := idsOf(cache.Take(catalog.ModeClassic, 1)); !slices.Equal(next, []int64{5}) {
		t.Fatalf("expected the following draw to return [5], got %v", next)
	}
}

func TestCacheConcurrentTakesNeverShareAWord(t *testing.T) {
	cache := NewCacheManager(CacheConfig{})
	cache.addWords(catalog.ModeClassic, numberedWords(1, 200))

	var (
		mu    sync.Mutex
		seen  = make(map[int64]int)
		group sync.WaitGroup
	)
	for worker := 0; worker < 8; worker++ {
		group.Add(1)
		go func() {
			defer group.Done()
			for draw := 0; draw < 30; draw++ {
				taken := cache.Take(catalog.ModeClassic, 1)
				mu.Lock()
				for _, word := range taken {
					seen[word.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	group.Wait()

	if len(seen) != 200 {
		t.Fatalf("expected all 200 words drawn once, got %d distinct", len(seen))
	}
	for id, draws := range seen {
		if draws != 1 {
			t.Fatalf("word %d drawn %d times", id, draws)
		}
	}
}

func TestCacheAddAndTakeSkipsConsumedFetches(t *testing.T) {
	cache := NewCacheManager(CacheConfig{Clock: testClock})
	cache.addWords(catalog.ModeJourney, numberedWords(1, 3))
	cache.Take(catalog.ModeJourney, 3)

	taken := idsOf(cache.AddAndTake(catalog.ModeJourney, numberedWords(2, 4), 10))
	if !slices.Equal(taken, []int64{4, 5}) {
		t.Fatalf("expected only unconsumed fetches [4 5], got %v", taken)
	}
	stats := cache.Stats()[catalog.ModeJourney]
	if stats.Total != 5 || stats.Available != 0 || stats.Used != 5 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCacheNeedsRefillTracksThreshold(t *testing.T) {
	cache := NewCacheManager(CacheConfig{RefillThreshold: 50})
	if !cache.NeedsRefill(catalog.ModeMarathon) {
		t.Fatalf("expected an unknown mode to need a refill")
	}

	cache.addWords(catalog.ModeMarathon, numberedWords(1, 49))
	if !cache.NeedsRefill(catalog.ModeMarathon) {
		t.Fatalf("expected 49 words to need a refill")
	}

	cache.addWords(catalog.ModeMarathon, numberedWords(50, 1))
	if cache.NeedsRefill(catalog.ModeMarathon) {
		t.Fatalf("expected 50 words to satisfy the threshold")
	}

	cache.markAsUsed(catalog.ModeMarathon, []int64{1})
	if !cache.NeedsRefill(catalog.ModeMarathon) {
		t.Fatalf("expected consumption to drop below the threshold")
	}
}

func TestCachePreloadGuardIsSingleFlight(t *testing.T) {
	cache := NewCacheManager(CacheConfig{})

	if !cache.StartPreload(catalog.ModeClassic) {
		t.Fatalf("expected the first claim to succeed")
	}
	if !cache.IsPreloading(catalog.ModeClassic) {
		t.Fatalf("expected classic to be preloading")
	}
	if cache.StartPreload(catalog.ModeClassic) {
		t.Fatalf("expected a second claim on classic to fail")
	}
	if !cache.StartPreload(catalog.ModeSilent) {
		t.Fatalf("expected modes to be claimed independently")
	}

	cache.EndPreload(catalog.ModeClassic)
	if cache.IsPreloading(catalog.ModeClassic) {
		t.Fatalf("expected classic claim released")
	}
	if !cache.StartPreload(catalog.ModeClassic) {
		t.Fatalf("expected classic to be claimable again")
	}
}

func TestCacheReplaceModeKeepsConsumedSet(t *testing.T) {
	cache := NewCacheManager(CacheConfig{})
	cache.addWords(catalog.ModeClassic, numberedWords(1, 3))
	cache.Take(catalog.ModeClassic, 1)
	cache.markAsUsed(catalog.ModeClassic, []int64{2})

	cache.ReplaceMode(catalog.ModeClassic, numberedWords(1, 5))

	pool := idsOf(cache.peek(catalog.ModeClassic, 10))
	if !slices.Equal(pool, []int64{3, 4, 5}) {
		t.Fatalf("expected consumed ids left out of the new pool, got %v", pool)
	}
	if used := cache.consumedIDs(catalog.ModeClassic); !sameIDs(used, []int64{1, 2}) {
		t.Fatalf("expected consumed set to survive, got %v", used)
	}
	if drawn := idsOf(cache.Take(catalog.ModeClassic, 5)); !slices.Equal(drawn, []int64{3, 4, 5}) {
		t.Fatalf("expected only fresh words drawn, got %v", drawn)
	}
}

func TestCacheResetAndClear(t *testing.T) {
	cache := NewCacheManager(CacheConfig{})
	cache.addWords(catalog.ModeClassic, numberedWords(1, 4))
	cache.addWords(catalog.ModeSilent, numberedWords(10, 4))
	cache.markAsUsed(catalog.ModeClassic, []int64{1, 2})
	cache.markAsUsed(catalog.ModeSilent, []int64{10})
	if used := cache.AllUsedIDs(); !sameIDs(used, []int64{1, 2, 10}) {
		t.Fatalf("unexpected union of consumed ids %v", used)
	}

	cache.ResetUsed(catalog.ModeSilent)
	if used := cache.consumedIDs(catalog.ModeSilent); len(used) != 0 {
		t.Fatalf("expected silent reset, got %v", used)
	}
	if used := cache.consumedIDs(catalog.ModeClassic); len(used) != 2 {
		t.Fatalf("expected classic untouched, got %v", used)
	}

	cache.ResetUsed()
	if used := cache.AllUsedIDs(); len(used) != 0 {
		t.Fatalf("expected every mode reset, got %v", used)
	}
	if available := cache.AvailableCount(catalog.ModeClassic); available != 4 {
		t.Fatalf("expected 4 available after reset, got %d", available)
	}

	cache.markAsUsed(catalog.ModeClassic, []int64{1})
	cache.clearMode(catalog.ModeClassic)
	if stats := cache.Stats()[catalog.ModeClassic]; stats != (ModeCacheStats{}) {
		t.Fatalf("expected cleared classic stats, got %+v", stats)
	}

	cache.StartPreload(catalog.ModeSilent)
	cache.ClearAll()
	if stats := cache.Stats(); len(stats) != 0 {
		t.Fatalf("expected no pools after clear, got %+v", stats)
	}
	if cache.IsPreloading(catalog.ModeSilent) {
		t.Fatalf("expected preload claims dropped")
	}
}

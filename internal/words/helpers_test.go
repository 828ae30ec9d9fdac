package words

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/database"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func testClock() time.Time {
	return testNow
}

// countingStore records persist requests on top of a real store.
type countingStore struct {
	*database.Store
	persistRequests atomic.Int64
}

func (s *countingStore) RequestPersist() {
	s.persistRequests.Add(1)
	s.Store.RequestPersist()
}

func openStore(t *testing.T) *countingStore {
	t.Helper()
	store, err := database.Open(database.StoreConfig{
		WorkDir: t.TempDir(),
		Clock:   testClock,
		Logger:  zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return &countingStore{Store: store}
}

func newTestRepository(t *testing.T) (*Repository, *countingStore) {
	t.Helper()
	store := openStore(t)
	repo, err := NewRepository(RepositoryConfig{Store: store, Clock: testClock, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	return repo, store
}

func insertWords(t *testing.T, repo *Repository, words ...catalog.Word) []catalog.Word {
	t.Helper()
	inserted, err := repo.BulkInsertWords(context.Background(), words)
	if err != nil {
		t.Fatalf("failed to insert words: %v", err)
	}
	if inserted != len(words) {
		t.Fatalf("expected %d inserted words, got %d", len(words), inserted)
	}

	stored, err := repo.GetWords(context.Background(), WordQuery{Mode: catalog.ModeJourney, Count: 100000})
	if err != nil {
		t.Fatalf("failed to read words back: %v", err)
	}
	return stored
}

func testWord(target string, category, difficulty int64, flags catalog.ModeFlags) catalog.Word {
	return catalog.Word{
		Target:       target,
		Forbidden:    []string{target + "-1", target + "-2"},
		CategoryID:   category,
		DifficultyID: difficulty,
		ModeFlags:    flags,
	}
}

func idsOf(words []catalog.Word) []int64 {
	ids := make([]int64, 0, len(words))
	for _, word := range words {
		ids = append(ids, word.ID)
	}
	return ids
}

// sameIDs compares id sets regardless of order.
func sameIDs(got, want []int64) bool {
	got = slices.Clone(got)
	want = slices.Clone(want)
	slices.Sort(got)
	slices.Sort(want)
	return slices.Equal(got, want)
}

func numberedWords(first, count int) []catalog.Word {
	words := make([]catalog.Word, 0, count)
	for id := first; id < first+count; id++ {
		words = append(words, catalog.Word{ID: int64(id), Target: "W", ModeFlags: catalog.FlagAll})
	}
	return words
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return "session-" + string(rune('a'+p.next-1)), nil
}

type recordingPublisher struct {
	events chan RefillEvent
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(chan RefillEvent, 16)}
}

func (p *recordingPublisher) Publish(event RefillEvent) {
	select {
	case p.events <- event:
	default:
	}
}

package words

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/catalog"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMinWords       = 100
	DefaultFetchBatchSize = 20
	DefaultPreloadLimit   = 50000
	DefaultLocale         = "tr"
)

var (
	// ErrServiceClosed is returned once Close has been called.
	ErrServiceClosed = errors.New("word service closed")

	errMissingOpener     = errors.New("store opener is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "words.service.new"
	opInitialize      = "words.initialize"
	opPreload         = "words.preload"
	opGetWords        = "words.get_words"
	opGetNextWord     = "words.get_next_word"
	opRefill          = "words.refill"
	opStartSession    = "words.start_session"
	opStats           = "words.stats"
	opCategories      = "words.categories"
	opDifficulties    = "words.difficulties"
	opReplaySession   = "words.replay_session"
	opPruneUsage      = "words.prune_usage"
	opImportWords     = "words.import_words"
	initializationKey = "initialize"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreOpener loads and migrates the persistent store. Initialize calls it once.
type StoreOpener func(ctx context.Context) (Store, error)

// RefillEvent reports the outcome of a finished preload.
type RefillEvent struct {
	Mode      catalog.Mode `json:"mode"`
	Loaded    int          `json:"loaded"`
	Available int          `json:"available"`
	Err       string       `json:"error,omitempty"`
}

// RefillPublisher receives refill events. Publishing must not block.
type RefillPublisher interface {
	Publish(event RefillEvent)
}

type ServiceConfig struct {
	Open       StoreOpener
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Cache      CacheConfig
	// MinWords triggers seeding when the store holds fewer words.
	MinWords       int
	FetchBatchSize int
	PreloadLimit   int
	SeedWordsPath  string
	// Locale selects category labels: "tr" or "en".
	Locale string
	Events RefillPublisher
}

// Stats is the word supply snapshot reported to collaborators.
type Stats struct {
	TotalWords int64                           `json:"totalWords"`
	ByCategory []CategoryCount                 `json:"byCategory"`
	CacheStats map[catalog.Mode]ModeCacheStats `json:"cacheStats"`
}

// Service orchestrates the store, repository, and cache behind the card contract.
type Service struct {
	open           StoreOpener
	clock          func() time.Time
	idProvider     IDProvider
	logger         *zap.Logger
	cache          *CacheManager
	minWords       int
	fetchBatchSize int
	preloadLimit   int
	seedWordsPath  string
	locale         string
	events         RefillPublisher

	initGroup  singleflight.Group
	background sync.WaitGroup

	mu             sync.RWMutex
	repo           *Repository
	sessionID      string
	categoryLabels map[int64]string
	closed         bool
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Open == nil {
		return nil, newServiceError(opServiceNew, "missing_store_opener", errMissingOpener)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	cacheConfig := cfg.Cache
	if cacheConfig.Clock == nil {
		cacheConfig.Clock = clock
	}

	sessionID, err := cfg.IDProvider.NewID()
	if err != nil {
		return nil, newServiceError(opServiceNew, "session_id_failed", err)
	}

	return &Service{
		open:           cfg.Open,
		clock:          clock,
		idProvider:     cfg.IDProvider,
		logger:         logger,
		cache:          NewCacheManager(cacheConfig),
		minWords:       positiveOr(cfg.MinWords, DefaultMinWords),
		fetchBatchSize: positiveOr(cfg.FetchBatchSize, DefaultFetchBatchSize),
		preloadLimit:   positiveOr(cfg.PreloadLimit, DefaultPreloadLimit),
		seedWordsPath:  cfg.SeedWordsPath,
		locale:         firstLocale(cfg.Locale),
		events:         cfg.Events,
		sessionID:      sessionID,
		categoryLabels: make(map[int64]string),
	}, nil
}

// Initialize opens the store, seeds it when it holds fewer than MinWords
// words, and loads category labels. Concurrent callers share one in-flight
// run; once it succeeds later calls return immediately.
func (s *Service) Initialize(ctx context.Context) error {
	_, err := s.repository(ctx)
	return err
}

func (s *Service) repository(ctx context.Context) (*Repository, error) {
	s.mu.RLock()
	repo, closed := s.repo, s.closed
	s.mu.RUnlock()
	if closed {
		return nil, newServiceError(opInitialize, "service_closed", ErrServiceClosed)
	}
	if repo != nil {
		return repo, nil
	}

	result, err, _ := s.initGroup.Do(initializationKey, func() (any, error) {
		s.mu.RLock()
		existing := s.repo
		s.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}
		return s.initialize(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Repository), nil
}

func (s *Service) initialize(ctx context.Context) (*Repository, error) {
	s.logger.Info("word service initializing")

	store, err := s.open(ctx)
	if err != nil {
		s.logError(opInitialize, "store_open_failed", err)
		return nil, newServiceError(opInitialize, "store_open_failed", err)
	}
	repo, err := NewRepository(RepositoryConfig{Store: store, Clock: s.clock, Logger: s.logger})
	if err != nil {
		return nil, newServiceError(opInitialize, "repository_failed", err)
	}

	count, err := repo.GetWordCount(ctx, "")
	if err != nil {
		s.logError(opInitialize, "count_failed", err)
		return nil, newServiceError(opInitialize, "count_failed", err)
	}
	s.logger.Info("word count loaded", zap.Int64("words", count))

	if count < int64(s.minWords) {
		inserted, seedErr := s.seed(ctx, repo)
		if seedErr != nil {
			s.logError(opInitialize, "seed_failed", seedErr)
			return nil, newServiceError(opInitialize, "seed_failed", seedErr)
		}
		s.logger.Info("word store seeded", zap.Int("inserted", inserted))
	}

	labels := make(map[int64]string)
	categories, err := repo.Categories(ctx)
	if err != nil {
		s.logError(opInitialize, "categories_failed", err)
		return nil, newServiceError(opInitialize, "categories_failed", err)
	}
	for _, category := range categories {
		labels[category.ID] = category.Label(s.locale)
	}

	s.mu.Lock()
	s.repo = repo
	s.categoryLabels = labels
	s.mu.Unlock()

	s.logger.Info("word service initialized")
	return repo, nil
}

func (s *Service) seed(ctx context.Context, repo *Repository) (int, error) {
	words, err := catalog.LoadSeedWords(s.seedWordsPath, s.logger)
	if err != nil {
		return 0, err
	}
	return repo.BulkInsertWords(ctx, words)
}

// ImportWords inserts the words of a JSON file merged with the bundled
// catalog. Targets already stored are skipped.
func (s *Service) ImportWords(ctx context.Context, path string) (int, error) {
	repo, err := s.repository(ctx)
	if err != nil {
		return 0, err
	}
	words, err := catalog.LoadSeedWords(path, s.logger)
	if err != nil {
		s.logError(opImportWords, "load_failed", err, zap.String("path", path))
		return 0, newServiceError(opImportWords, "load_failed", err)
	}
	inserted, err := repo.BulkInsertWords(ctx, words)
	if err != nil {
		s.logError(opImportWords, "insert_failed", err, zap.String("path", path))
		return 0, newServiceError(opImportWords, "insert_failed", err)
	}
	return inserted, nil
}

// PreloadForMode replaces the mode's pool with every eligible word not yet used
// this session, shuffled in memory. It returns immediately when a preload for
// the mode is already running.
func (s *Service) PreloadForMode(ctx context.Context, mode catalog.Mode, categoryIDs []int64) error {
	mode, err := normalizeMode(mode)
	if err != nil {
		return newServiceError(opPreload, "invalid_mode", err)
	}
	repo, err := s.repository(ctx)
	if err != nil {
		return err
	}
	if !s.cache.StartPreload(mode) {
		s.logger.Debug("preload already running", zap.String("mode", mode.String()))
		return nil
	}
	defer s.cache.EndPreload(mode)

	words, err := repo.GetWords(ctx, WordQuery{
		Mode:        mode,
		CategoryIDs: categoryIDs,
		SessionID:   s.SessionID(),
		Count:       s.preloadLimit,
		Randomize:   false,
	})
	if err != nil {
		s.logError(opPreload, "query_failed", err, zap.String("mode", mode.String()))
		s.publish(RefillEvent{Mode: mode, Available: s.cache.AvailableCount(mode), Err: err.Error()})
		return newServiceError(opPreload, "query_failed", err)
	}

	s.cache.ReplaceMode(mode, Shuffle(words))
	available := s.cache.AvailableCount(mode)
	s.logger.Info("mode preloaded",
		zap.String("mode", mode.String()),
		zap.Int("loaded", len(words)),
		zap.Int("available", available))
	s.publish(RefillEvent{Mode: mode, Loaded: len(words), Available: available})
	return nil
}

// GetWords hands out count cards, cache first. A short cache is topped up from
// the store with the deficit plus a fetch batch. Every returned word is marked
// used in the cache and in the session ledger. Fewer cards than requested is
// not an error.
func (s *Service) GetWords(ctx context.Context, mode catalog.Mode, count int, categoryIDs []int64) ([]catalog.Card, error) {
	mode, err := normalizeMode(mode)
	if err != nil {
		return nil, newServiceError(opGetWords, "invalid_mode", err)
	}
	repo, err := s.repository(ctx)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return []catalog.Card{}, nil
	}
	sessionID := s.SessionID()

	words := s.cache.Take(mode, count)
	if len(words) < count {
		query := WordQuery{
			Mode:        mode,
			CategoryIDs: categoryIDs,
			ExcludeIDs:  s.cache.AllUsedIDs(),
			SessionID:   sessionID,
			Count:       count - len(words) + s.fetchBatchSize,
			Randomize:   true,
		}

		var fetched []catalog.Word
		if len(categoryIDs) > 0 && len(categoryIDs) < int(catalog.CategoryMixed) {
			fetched, err = repo.GetWords(ctx, query)
		} else {
			fetched, err = repo.GetBalancedWords(ctx, query)
		}
		if err != nil {
			s.logError(opGetWords, "query_failed", err, zap.String("mode", mode.String()))
			return nil, newServiceError(opGetWords, "query_failed", err)
		}

		words = append(words, s.cache.AddAndTake(mode, fetched, count-len(words))...)
	}

	s.recordUsage(ctx, opGetWords, mode, sessionID, repo, words)
	return s.cards(mode, words), nil
}

// GetNextWord returns one cached card, or nil when the mode's pool is empty.
// It never queries the store for candidates.
func (s *Service) GetNextWord(ctx context.Context, mode catalog.Mode) (*catalog.Card, error) {
	mode, err := normalizeMode(mode)
	if err != nil {
		return nil, newServiceError(opGetNextWord, "invalid_mode", err)
	}
	words := s.cache.Take(mode, 1)
	if len(words) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	repo := s.repo
	s.mu.RUnlock()
	s.recordUsage(ctx, opGetNextWord, mode, s.SessionID(), repo, words)

	card := s.cards(mode, words)[0]
	return &card, nil
}

// CheckAndRefillCache starts a background preload when the mode's pool runs
// low and none is already running. It does not wait for the preload.
func (s *Service) CheckAndRefillCache(mode catalog.Mode) {
	mode, err := normalizeMode(mode)
	if err != nil {
		return
	}
	if !s.cache.NeedsRefill(mode) || s.cache.IsPreloading(mode) {
		return
	}

	s.mu.RLock()
	closed := s.closed
	if !closed {
		s.background.Add(1)
	}
	s.mu.RUnlock()
	if closed {
		return
	}

	go func() {
		defer s.background.Done()
		if err := s.PreloadForMode(context.Background(), mode, nil); err != nil {
			s.logError(opRefill, "preload_failed", err, zap.String("mode", mode.String()))
		}
	}()
}

// StartNewSession rotates the session id and clears every mode's consumed set.
// Usage rows of earlier sessions are kept.
func (s *Service) StartNewSession() (string, error) {
	sessionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opStartSession, "id_generation_failed", err)
		return "", newServiceError(opStartSession, "id_generation_failed", err)
	}
	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()

	s.cache.ResetUsed()
	s.logger.Info("session started", zap.String("session_id", sessionID))
	return sessionID, nil
}

// SessionID returns the current play session identifier.
func (s *Service) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	repo, err := s.repository(ctx)
	if err != nil {
		return Stats{}, err
	}
	total, err := repo.GetWordCount(ctx, "")
	if err != nil {
		s.logError(opStats, "count_failed", err)
		return Stats{}, newServiceError(opStats, "count_failed", err)
	}
	byCategory, err := repo.GetWordCountsByCategory(ctx)
	if err != nil {
		s.logError(opStats, "category_count_failed", err)
		return Stats{}, newServiceError(opStats, "category_count_failed", err)
	}
	cacheStats := s.cache.Stats()
	for _, mode := range catalog.Modes() {
		if _, ok := cacheStats[mode]; !ok {
			cacheStats[mode] = ModeCacheStats{}
		}
	}
	return Stats{TotalWords: total, ByCategory: byCategory, CacheStats: cacheStats}, nil
}

func (s *Service) Categories(ctx context.Context) ([]catalog.Category, error) {
	repo, err := s.repository(ctx)
	if err != nil {
		return nil, err
	}
	categories, err := repo.Categories(ctx)
	if err != nil {
		s.logError(opCategories, "query_failed", err)
		return nil, newServiceError(opCategories, "query_failed", err)
	}
	return categories, nil
}

func (s *Service) Difficulties(ctx context.Context) ([]catalog.Difficulty, error) {
	repo, err := s.repository(ctx)
	if err != nil {
		return nil, err
	}
	difficulties, err := repo.Difficulties(ctx)
	if err != nil {
		s.logError(opDifficulties, "query_failed", err)
		return nil, newServiceError(opDifficulties, "query_failed", err)
	}
	return difficulties, nil
}

// ReplaySession forgets the words served in the current session, in the
// ledger and in every mode's consumed set, so the deck can be played again
// under the same session id.
func (s *Service) ReplaySession(ctx context.Context) (int64, error) {
	repo, err := s.repository(ctx)
	if err != nil {
		return 0, err
	}
	sessionID := s.SessionID()
	cleared, err := repo.ClearSessionWords(ctx, sessionID)
	if err != nil {
		s.logError(opReplaySession, "clear_failed", err, zap.String("session_id", sessionID))
		return 0, newServiceError(opReplaySession, "clear_failed", err)
	}
	s.cache.ResetUsed()
	s.logger.Info("session replayed", zap.String("session_id", sessionID), zap.Int64("cleared", cleared))
	return cleared, nil
}

// PruneSessionUsage drops usage rows older than the retention window.
func (s *Service) PruneSessionUsage(ctx context.Context, retention time.Duration) (int64, error) {
	repo, err := s.repository(ctx)
	if err != nil {
		return 0, err
	}
	removed, err := repo.PruneSessionUsage(ctx, s.clock().Add(-retention))
	if err != nil {
		s.logError(opPruneUsage, "delete_failed", err)
		return 0, newServiceError(opPruneUsage, "delete_failed", err)
	}
	return removed, nil
}

// Close stops accepting background refills, waits for running ones and drops
// the in-memory pools.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.background.Wait()
	s.cache.ClearAll()
}

// recordUsage writes the session ledger for words the cache already marked consumed.
func (s *Service) recordUsage(ctx context.Context, operation string, mode catalog.Mode, sessionID string, repo *Repository, words []catalog.Word) {
	if len(words) == 0 || repo == nil {
		return
	}
	ids := make([]int64, 0, len(words))
	for _, word := range words {
		ids = append(ids, word.ID)
	}
	if err := repo.MarkWordsAsUsed(ctx, sessionID, ids); err != nil {
		s.logError(operation, "mark_used_failed", err,
			zap.String("mode", mode.String()),
			zap.String("session_id", sessionID))
	}
}

func (s *Service) cards(mode catalog.Mode, words []catalog.Word) []catalog.Card {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cards := make([]catalog.Card, 0, len(words))
	for _, word := range words {
		cards = append(cards, catalog.NewCard(word, mode, s.categoryLabels[word.CategoryID]))
	}
	return cards
}

func (s *Service) publish(event RefillEvent) {
	if s.events != nil {
		s.events.Publish(event)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("word service error", attrs...)
}

func normalizeMode(mode catalog.Mode) (catalog.Mode, error) {
	return catalog.ParseMode(mode.String())
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func firstLocale(locale string) string {
	if locale == "" {
		return DefaultLocale
	}
	return locale
}

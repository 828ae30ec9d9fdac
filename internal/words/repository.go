package words

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/database"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const usageTimeLayout = "2006-01-02 15:04:05"

// weightedOrder ranks rows by uniform_random * weight. This is a cheap biased
// approximation of weighted sampling, not proportional sampling without
// replacement: heavier difficulties surface first more often, but the odds are
// not exactly proportional to the weights. RANDOM() is signed in SQLite, so the
// sign bit is masked off before scaling into [0, 1].
const weightedOrder = "((RANDOM() & 9223372036854775807) / 9223372036854775807.0) * d.weight DESC"

var errMissingStore = errors.New("word store is required")

// Store is the slice of the persistent store adapter the repository depends on.
type Store interface {
	database.Executor
	Transaction(ctx context.Context, fn func(database.Executor) error) error
	RequestPersist()
}

// WordQuery filters a word selection. Zero values disable the optional filters.
type WordQuery struct {
	Mode         catalog.Mode
	CategoryIDs  []int64
	DifficultyID int64
	ExcludeIDs   []int64
	SessionID    string
	Count        int
	// Randomize applies the weighted random ordering. Preloads disable it.
	Randomize bool
}

// CategoryCount is the number of stored words in one category.
type CategoryCount struct {
	CategoryID int64 `gorm:"column:category_id" json:"categoryId"`
	Count      int64 `gorm:"column:count" json:"count"`
}

type RepositoryConfig struct {
	Store  Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Repository runs the word queries against the store. It holds no state of its own.
type Repository struct {
	store  Store
	clock  func() time.Time
	logger *zap.Logger
}

func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{store: cfg.Store, clock: clock, logger: logger}, nil
}

type wordRow struct {
	ID           int64                       `gorm:"column:id"`
	Target       string                      `gorm:"column:target"`
	Forbidden    datatypes.JSONSlice[string] `gorm:"column:forbidden"`
	CategoryID   int64                       `gorm:"column:category_id"`
	DifficultyID int64                       `gorm:"column:difficulty_id"`
	ModeFlags    int64                       `gorm:"column:mode_flags"`
}

func (row wordRow) word() catalog.Word {
	forbidden := []string(row.Forbidden)
	if forbidden == nil {
		forbidden = []string{}
	}
	return catalog.Word{
		ID:           row.ID,
		Target:       row.Target,
		Forbidden:    forbidden,
		CategoryID:   row.CategoryID,
		DifficultyID: row.DifficultyID,
		ModeFlags:    catalog.ModeFlags(row.ModeFlags),
	}
}

// GetWords returns up to query.Count words eligible for the mode that pass every filter.
func (r *Repository) GetWords(ctx context.Context, query WordQuery) ([]catalog.Word, error) {
	if query.Count <= 0 {
		return []catalog.Word{}, nil
	}

	var sql strings.Builder
	sql.WriteString(`SELECT w.id, w.target, w.forbidden, w.category_id, w.difficulty_id, w.mode_flags
		FROM words w
		JOIN difficulties d ON w.difficulty_id = d.id
		WHERE (w.mode_flags & ?) != 0`)
	args := []any{int64(query.Mode.Flag())}

	if len(query.CategoryIDs) > 0 {
		sql.WriteString(" AND w.category_id IN ?")
		args = append(args, query.CategoryIDs)
	}
	if query.DifficultyID > 0 {
		sql.WriteString(" AND w.difficulty_id = ?")
		args = append(args, query.DifficultyID)
	}
	if len(query.ExcludeIDs) > 0 {
		sql.WriteString(" AND w.id NOT IN ?")
		args = append(args, query.ExcludeIDs)
	}
	if query.SessionID != "" {
		sql.WriteString(" AND w.id NOT IN (SELECT word_id FROM session_words WHERE session_id = ?)")
		args = append(args, query.SessionID)
	}
	if query.Randomize {
		sql.WriteString(" ORDER BY " + weightedOrder)
	} else {
		sql.WriteString(" ORDER BY w.id")
	}
	sql.WriteString(" LIMIT ?")
	args = append(args, query.Count)

	var rows []wordRow
	if err := r.store.Query(ctx, &rows, sql.String(), args...); err != nil {
		return nil, fmt.Errorf("query words: %w", err)
	}
	words := make([]catalog.Word, 0, len(rows))
	for _, row := range rows {
		words = append(words, row.word())
	}
	return words, nil
}

// GetBalancedWords draws roughly equal shares from each category, then shuffles
// and truncates to query.Count. No categories means the standard set, which
// leaves out Mixed.
func (r *Repository) GetBalancedWords(ctx context.Context, query WordQuery) ([]catalog.Word, error) {
	if query.Count <= 0 {
		return []catalog.Word{}, nil
	}
	categories := query.CategoryIDs
	if len(categories) == 0 {
		categories = catalog.StandardCategories()
	}
	perCategory := (query.Count + len(categories) - 1) / len(categories)

	exclude := append([]int64(nil), query.ExcludeIDs...)
	collected := make([]catalog.Word, 0, perCategory*len(categories))
	for _, categoryID := range categories {
		batch, err := r.GetWords(ctx, WordQuery{
			Mode:         query.Mode,
			CategoryIDs:  []int64{categoryID},
			DifficultyID: query.DifficultyID,
			ExcludeIDs:   exclude,
			SessionID:    query.SessionID,
			Count:        perCategory,
			Randomize:    true,
		})
		if err != nil {
			return nil, err
		}
		for _, word := range batch {
			exclude = append(exclude, word.ID)
		}
		collected = append(collected, batch...)
	}

	shuffled := Shuffle(collected)
	if len(shuffled) > query.Count {
		shuffled = shuffled[:query.Count]
	}
	return shuffled, nil
}

// MarkWordsAsUsed records the words against the session. Re-marking is a no-op.
func (r *Repository) MarkWordsAsUsed(ctx context.Context, sessionID string, wordIDs []int64) error {
	if sessionID == "" || len(wordIDs) == 0 {
		return nil
	}
	usedAt := r.clock().UTC().Format(usageTimeLayout)

	var statement strings.Builder
	statement.WriteString("INSERT INTO session_words (session_id, word_id, used_at) VALUES ")
	args := make([]any, 0, len(wordIDs)*3)
	for index, wordID := range wordIDs {
		if index > 0 {
			statement.WriteString(", ")
		}
		statement.WriteString("(?, ?, ?)")
		args = append(args, sessionID, wordID, usedAt)
	}
	statement.WriteString(" ON CONFLICT DO NOTHING")

	if _, err := r.store.Exec(ctx, statement.String(), args...); err != nil {
		return fmt.Errorf("mark words used: %w", err)
	}
	r.store.RequestPersist()
	return nil
}

// ClearSessionWords forgets every usage row of the session.
func (r *Repository) ClearSessionWords(ctx context.Context, sessionID string) (int64, error) {
	removed, err := r.store.Exec(ctx, "DELETE FROM session_words WHERE session_id = ?", sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear session words: %w", err)
	}
	r.store.RequestPersist()
	return removed, nil
}

// PruneSessionUsage deletes usage rows recorded before the cutoff.
func (r *Repository) PruneSessionUsage(ctx context.Context, cutoff time.Time) (int64, error) {
	removed, err := r.store.Exec(ctx, "DELETE FROM session_words WHERE used_at < ?", cutoff.UTC().Format(usageTimeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune session usage: %w", err)
	}
	if removed > 0 {
		r.store.RequestPersist()
	}
	return removed, nil
}

// GetWordCount counts words eligible for the mode. An empty mode counts every word.
func (r *Repository) GetWordCount(ctx context.Context, mode catalog.Mode) (int64, error) {
	query := "SELECT COUNT(*) FROM words"
	var args []any
	if mode != "" {
		query += " WHERE (mode_flags & ?) != 0"
		args = append(args, int64(mode.Flag()))
	}
	var count int64
	if err := r.store.Query(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count words: %w", err)
	}
	return count, nil
}

func (r *Repository) GetWordCountsByCategory(ctx context.Context) ([]CategoryCount, error) {
	var counts []CategoryCount
	if err := r.store.Query(ctx, &counts,
		"SELECT category_id, COUNT(*) AS count FROM words GROUP BY category_id ORDER BY category_id"); err != nil {
		return nil, fmt.Errorf("count words by category: %w", err)
	}
	return counts, nil
}

// BulkInsertWords inserts the words in one transaction and returns how many
// were stored. Words colliding on the target or its case-folded key, and words
// with invalid mode flags, are logged and skipped.
func (r *Repository) BulkInsertWords(ctx context.Context, words []catalog.Word) (int, error) {
	inserted := 0
	err := r.store.Transaction(ctx, func(tx database.Executor) error {
		inserted = 0
		for _, word := range words {
			if !word.ModeFlags.Valid() {
				r.logger.Warn("word skipped", zap.String("target", word.Target), zap.String("reason", "invalid_mode_flags"))
				continue
			}
			forbidden := word.Forbidden
			if forbidden == nil {
				forbidden = []string{}
			}
			affected, err := tx.Exec(ctx,
				`INSERT INTO words (target, target_key, forbidden, category_id, difficulty_id, mode_flags)
				VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
				word.Target,
				catalog.TargetKey(word.Target),
				datatypes.NewJSONSlice(forbidden),
				word.CategoryID,
				word.DifficultyID,
				int64(word.ModeFlags),
			)
			if err != nil {
				return fmt.Errorf("insert word %q: %w", word.Target, err)
			}
			if affected == 0 {
				r.logger.Debug("word skipped", zap.String("target", word.Target), zap.String("reason", "duplicate_target"))
				continue
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.store.RequestPersist()
	return inserted, nil
}

type categoryRow struct {
	ID     int64  `gorm:"column:id"`
	Name   string `gorm:"column:name"`
	NameTR string `gorm:"column:name_tr"`
	Icon   string `gorm:"column:icon"`
	Color  string `gorm:"column:color"`
}

func (r *Repository) Categories(ctx context.Context) ([]catalog.Category, error) {
	var rows []categoryRow
	if err := r.store.Query(ctx, &rows,
		"SELECT id, name, name_tr, COALESCE(icon, '') AS icon, COALESCE(color, '') AS color FROM categories ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	categories := make([]catalog.Category, 0, len(rows))
	for _, row := range rows {
		categories = append(categories, catalog.Category{
			ID:            row.ID,
			Name:          row.Name,
			LocalizedName: row.NameTR,
			Icon:          row.Icon,
			Color:         row.Color,
		})
	}
	return categories, nil
}

type difficultyRow struct {
	ID     int64   `gorm:"column:id"`
	Name   string  `gorm:"column:name"`
	NameTR string  `gorm:"column:name_tr"`
	Weight float64 `gorm:"column:weight"`
}

func (r *Repository) Difficulties(ctx context.Context) ([]catalog.Difficulty, error) {
	var rows []difficultyRow
	if err := r.store.Query(ctx, &rows, "SELECT id, name, name_tr, weight FROM difficulties ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list difficulties: %w", err)
	}
	difficulties := make([]catalog.Difficulty, 0, len(rows))
	for _, row := range rows {
		difficulties = append(difficulties, catalog.Difficulty{
			ID:            row.ID,
			Name:          row.Name,
			LocalizedName: row.NameTR,
			Weight:        row.Weight,
		})
	}
	return difficulties, nil
}

// Shuffle returns a uniformly permuted copy of items.
func Shuffle[T any](items []T) []T {
	shuffled := make([]T, len(items))
	copy(shuffled, items)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}

package database

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	database, err := openSQLite(filepath.Join(testContext.TempDir(), "migration.db"))
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	testContext.Cleanup(func() { closeGorm(database) })
	return database
}

func fixedClock() time.Time {
	return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
}

func TestApplyMigrationsBuildsLatestSchema(testContext *testing.T) {
	database := openTestDatabase(testContext)

	if err := applyMigrations(database, schemaMigrations(), fixedClock, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var records []migrationRecord
	if err := database.Order("version ASC").Find(&records).Error; err != nil {
		testContext.Fatalf("failed to read ledger: %v", err)
	}
	if len(records) != len(schemaMigrations()) {
		testContext.Fatalf("expected %d ledger rows, got %d", len(schemaMigrations()), len(records))
	}
	if records[0].Name != "initial_schema" || records[0].AppliedAt != "2026-10-19 12:00:00" {
		testContext.Fatalf("unexpected first ledger row: %+v", records[0])
	}

	for _, table := range []string{"categories", "difficulties", "words", "session_words", "user_progress", "purchases", "settings"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	for _, index := range []string{"idx_words_cat_diff_mode", "idx_words_difficulty", "idx_words_target_key"} {
		if !database.Migrator().HasIndex("words", index) {
			testContext.Fatalf("expected index %s to exist", index)
		}
	}

	var categories, difficulties int64
	database.Raw("SELECT COUNT(*) FROM categories").Scan(&categories)
	database.Raw("SELECT COUNT(*) FROM difficulties").Scan(&difficulties)
	if categories != 6 || difficulties != 4 {
		testContext.Fatalf("expected 6 categories and 4 difficulties, got %d and %d", categories, difficulties)
	}
}

func TestApplyMigrationsIsIdempotent(testContext *testing.T) {
	database := openTestDatabase(testContext)

	for run := 0; run < 2; run++ {
		if err := applyMigrations(database, schemaMigrations(), fixedClock, zap.NewNop()); err != nil {
			testContext.Fatalf("run %d failed: %v", run, err)
		}
	}

	var rows []struct {
		Version int64
		Total   int64
	}
	if err := database.Raw("SELECT version, COUNT(*) AS total FROM schema_migrations GROUP BY version").Scan(&rows).Error; err != nil {
		testContext.Fatalf("failed to group ledger: %v", err)
	}
	if len(rows) != len(schemaMigrations()) {
		testContext.Fatalf("expected %d versions, got %d", len(schemaMigrations()), len(rows))
	}
	for _, row := range rows {
		if row.Total != 1 {
			testContext.Fatalf("version %d recorded %d times", row.Version, row.Total)
		}
	}
}

func TestApplyMigrationsStopsAtFailingStep(testContext *testing.T) {
	database := openTestDatabase(testContext)
	applied := make([]int64, 0)
	stepFailure := errors.New("boom")

	migrations := []migrationDefinition{
		{version: 1, name: "first", apply: func(tx *gorm.DB) error {
			applied = append(applied, 1)
			return tx.Exec("CREATE TABLE first_step (id INTEGER)").Error
		}},
		{version: 2, name: "second", apply: func(tx *gorm.DB) error {
			applied = append(applied, 2)
			if err := tx.Exec("CREATE TABLE second_step (id INTEGER)").Error; err != nil {
				return err
			}
			return stepFailure
		}},
		{version: 3, name: "third", apply: func(tx *gorm.DB) error {
			applied = append(applied, 3)
			return nil
		}},
	}

	err := applyMigrations(database, migrations, fixedClock, zap.NewNop())
	if !errors.Is(err, stepFailure) {
		testContext.Fatalf("expected step failure, got %v", err)
	}
	if len(applied) != 2 {
		testContext.Fatalf("expected third step to be skipped, applied %v", applied)
	}
	if database.Migrator().HasTable("second_step") {
		testContext.Fatalf("expected failing step to roll back")
	}

	var maxVersion int64
	database.Raw("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&maxVersion)
	if maxVersion != 1 {
		testContext.Fatalf("expected ledger to stop at version 1, got %d", maxVersion)
	}
}

func TestApplyMigrationsRejectsUnorderedVersions(testContext *testing.T) {
	database := openTestDatabase(testContext)
	noop := func(*gorm.DB) error { return nil }

	err := applyMigrations(database, []migrationDefinition{
		{version: 2, name: "later", apply: noop},
		{version: 1, name: "earlier", apply: noop},
	}, fixedClock, zap.NewNop())
	if err == nil {
		testContext.Fatalf("expected ordering error")
	}
}

func TestWordsTargetKeyBackfillKeepsFirstOfCollidingRows(testContext *testing.T) {
	database := openTestDatabase(testContext)
	legacy := schemaMigrations()[:3]
	if err := applyMigrations(database, legacy, fixedClock, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply legacy migrations: %v", err)
	}
	for _, target := range []string{"KİTAP", "Kitap", "Masa"} {
		if err := database.Exec(
			"INSERT INTO words (target, forbidden, category_id, difficulty_id, mode_flags) VALUES (?, '[]', 6, 2, 15)",
			target,
		).Error; err != nil {
			testContext.Fatalf("failed to insert legacy word: %v", err)
		}
	}

	if err := applyMigrations(database, schemaMigrations(), fixedClock, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply target key migration: %v", err)
	}

	var keys []struct {
		Target    string
		TargetKey *string
	}
	database.Raw("SELECT target, target_key FROM words ORDER BY id").Scan(&keys)
	if len(keys) != 3 {
		testContext.Fatalf("expected 3 words, got %d", len(keys))
	}
	if keys[0].TargetKey == nil || *keys[0].TargetKey != "KİTAP" {
		testContext.Fatalf("expected first row to own the key, got %+v", keys[0])
	}
	if keys[1].TargetKey != nil {
		testContext.Fatalf("expected colliding row to keep a NULL key")
	}
	if keys[2].TargetKey == nil || *keys[2].TargetKey != "MASA" {
		testContext.Fatalf("unexpected key for Masa: %+v", keys[2])
	}
}

func TestCategoryModeFilterSearchesCompositeIndex(testContext *testing.T) {
	database := openTestDatabase(testContext)
	if err := applyMigrations(database, schemaMigrations(), fixedClock, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var plan []struct {
		Detail string `gorm:"column:detail"`
	}
	err := database.Raw(
		"EXPLAIN QUERY PLAN SELECT id FROM words WHERE category_id IN (2, 5) AND difficulty_id = 1 AND (mode_flags & 1) != 0",
	).Scan(&plan).Error
	if err != nil {
		testContext.Fatalf("failed to explain query: %v", err)
	}
	if len(plan) == 0 {
		testContext.Fatalf("expected a query plan")
	}
	for _, step := range plan {
		if strings.Contains(step.Detail, "idx_words_cat_diff_mode") && strings.HasPrefix(step.Detail, "SEARCH") {
			return
		}
	}
	testContext.Fatalf("expected a search on idx_words_cat_diff_mode, got %+v", plan)
}

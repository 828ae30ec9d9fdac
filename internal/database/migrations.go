package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/catalog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationTable       = "schema_migrations"
	ledgerTimeLayout     = "2006-01-02 15:04:05"
	createMigrationTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`
)

// migrationRecord is one row of the append-only schema ledger.
type migrationRecord struct {
	Version   int64  `gorm:"column:version;primaryKey"`
	Name      string `gorm:"column:name;not null"`
	AppliedAt string `gorm:"column:applied_at"`
}

func (migrationRecord) TableName() string {
	return migrationTable
}

type migrationDefinition struct {
	version int64
	name    string
	apply   func(*gorm.DB) error
}

func schemaMigrations() []migrationDefinition {
	return []migrationDefinition{
		{version: 1, name: "initial_schema", apply: migrateInitialSchema},
		{version: 2, name: "user_progress", apply: migrateUserProgress},
		{version: 3, name: "purchases_and_settings", apply: migratePurchasesAndSettings},
		{version: 4, name: "words_target_key", apply: migrateWordsTargetKey},
	}
}

// applyMigrations runs every step above the ledger's highest version in
// ascending order. Each step and its ledger row commit together; a failing
// step aborts the run.
func applyMigrations(db *gorm.DB, migrations []migrationDefinition, clock func() time.Time, logger *zap.Logger) error {
	if err := db.Exec(createMigrationTable).Error; err != nil {
		return fmt.Errorf("create migration ledger: %w", err)
	}

	var current int64
	if err := db.Raw("SELECT COALESCE(MAX(version), 0) FROM " + migrationTable).Scan(&current).Error; err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if logger != nil {
		logger.Info("schema version loaded", zap.Int64("version", current))
	}

	var previous int64
	for _, migration := range migrations {
		if migration.version <= previous {
			return fmt.Errorf("migration %q has non-increasing version %d", migration.name, migration.version)
		}
		previous = migration.version
		if migration.version <= current {
			continue
		}

		err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{
				Version:   migration.version,
				Name:      migration.name,
				AppliedAt: clock().UTC().Format(ledgerTimeLayout),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", migration.version, migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied",
				zap.Int64("version", migration.version),
				zap.String("migration", migration.name))
		}
	}
	return nil
}

func execAll(tx *gorm.DB, statements ...string) error {
	for _, statement := range statements {
		if err := tx.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

func migrateInitialSchema(tx *gorm.DB) error {
	return execAll(tx,
		`CREATE TABLE IF NOT EXISTS categories (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			name_tr TEXT NOT NULL,
			icon TEXT,
			color TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS difficulties (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			name_tr TEXT NOT NULL,
			weight REAL NOT NULL DEFAULT 1.0 CHECK (weight > 0)
		)`,
		`CREATE TABLE IF NOT EXISTS words (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target TEXT NOT NULL UNIQUE,
			forbidden TEXT NOT NULL,
			category_id INTEGER NOT NULL,
			difficulty_id INTEGER NOT NULL,
			mode_flags INTEGER NOT NULL DEFAULT 15 CHECK (mode_flags != 0),
			created_at TEXT DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (category_id) REFERENCES categories(id),
			FOREIGN KEY (difficulty_id) REFERENCES difficulties(id)
		)`,
		`CREATE TABLE IF NOT EXISTS session_words (
			session_id TEXT NOT NULL,
			word_id INTEGER NOT NULL,
			used_at TEXT DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, word_id),
			FOREIGN KEY (word_id) REFERENCES words(id)
		)`,
		// The mode filter is a bitmask test that no index can seek on, so it
		// trails the seekable columns and is evaluated on index entries.
		`CREATE INDEX IF NOT EXISTS idx_words_cat_diff_mode ON words(category_id, difficulty_id, mode_flags)`,
		`CREATE INDEX IF NOT EXISTS idx_words_difficulty ON words(difficulty_id)`,
		`CREATE INDEX IF NOT EXISTS idx_session_words_session ON session_words(session_id)`,
		`INSERT OR IGNORE INTO categories (id, name, name_tr, icon, color) VALUES
			(1, 'Entertainment', 'Eğlence', '🎬', '#FF6B6B'),
			(2, 'Science', 'Bilim', '🔬', '#4ECDC4'),
			(3, 'Daily Life', 'Günlük Hayat', '🏠', '#45B7D1'),
			(4, 'Culture', 'Kültür', '🎭', '#96CEB4'),
			(5, 'Technology', 'Teknoloji', '💻', '#9B59B6'),
			(6, 'Mixed', 'Karışık', '🎲', '#F39C12')`,
		`INSERT OR IGNORE INTO difficulties (id, name, name_tr, weight) VALUES
			(1, 'Easy', 'Kolay', 1.5),
			(2, 'Medium', 'Orta', 1.0),
			(3, 'Hard', 'Zor', 0.7),
			(4, 'Expert', 'Çok Zor', 0.4)`,
	)
}

func migrateUserProgress(tx *gorm.DB) error {
	return execAll(tx,
		`CREATE TABLE IF NOT EXISTS user_progress (
			id INTEGER PRIMARY KEY DEFAULT 1,
			total_games INTEGER DEFAULT 0,
			correct_words INTEGER DEFAULT 0,
			tabu_words INTEGER DEFAULT 0,
			pass_words INTEGER DEFAULT 0,
			favorite_category_id INTEGER,
			last_played TEXT,
			FOREIGN KEY (favorite_category_id) REFERENCES categories(id)
		)`,
		`INSERT OR IGNORE INTO user_progress (id) VALUES (1)`,
	)
}

func migratePurchasesAndSettings(tx *gorm.DB) error {
	return execAll(tx,
		`CREATE TABLE IF NOT EXISTS purchases (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			product_id TEXT NOT NULL UNIQUE,
			purchased_at TEXT DEFAULT CURRENT_TIMESTAMP,
			is_active INTEGER DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`INSERT OR IGNORE INTO settings (key, value) VALUES
			('ads_removed', 'false'),
			('premium_words', 'false'),
			('sound_enabled', 'true'),
			('vibration_enabled', 'true')`,
	)
}

// migrateWordsTargetKey adds the case-insensitive uniqueness key. Rows that
// collide with an earlier row on the key keep a NULL key.
func migrateWordsTargetKey(tx *gorm.DB) error {
	if err := tx.Exec(`ALTER TABLE words ADD COLUMN target_key TEXT`).Error; err != nil {
		return err
	}

	var rows []struct {
		ID     int64
		Target string
	}
	if err := tx.Raw(`SELECT id, target FROM words ORDER BY id`).Scan(&rows).Error; err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		key := catalog.TargetKey(row.Target)
		if _, duplicate := seen[key]; duplicate {
			continue
		}
		seen[key] = struct{}{}
		if err := tx.Exec(`UPDATE words SET target_key = ? WHERE id = ?`, key, row.ID).Error; err != nil {
			return err
		}
	}

	return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_words_target_key ON words(target_key)`).Error
}

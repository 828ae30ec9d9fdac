package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SnapshotSource records where the live store was loaded from.
type SnapshotSource string

const (
	SourceSaved SnapshotSource = "saved"
	SourceSeed  SnapshotSource = "seed"
	SourceEmpty SnapshotSource = "empty"
)

var (
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("database: store closed")
	// ErrSnapshotCorrupt indicates a snapshot failed the integrity check.
	ErrSnapshotCorrupt = errors.New("database: snapshot failed integrity check")
)

// Executor is the query surface the word repository is allowed to use.
type Executor interface {
	Query(ctx context.Context, dest any, query string, args ...any) error
	Exec(ctx context.Context, statement string, args ...any) (int64, error)
}

// StoreConfig describes where snapshots live.
type StoreConfig struct {
	// SnapshotPath is the durable snapshot written by Persist. Empty disables persistence.
	SnapshotPath string
	// SeedPath is the snapshot bundled with the application.
	SeedPath string
	// WorkDir holds the live working copy. Empty uses a fresh temporary directory.
	WorkDir string
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Store owns the live SQLite working copy and its durable snapshot.
type Store struct {
	db           *gorm.DB
	snapshotPath string
	workPath     string
	ownedWorkDir string
	source       SnapshotSource
	logger       *zap.Logger

	persistMu       sync.Mutex
	requestMu       sync.RWMutex
	closed          bool
	persistRequests chan struct{}
	persistDone     chan struct{}
}

// Open loads the newest usable snapshot (saved, then bundled seed, then an
// empty database) and migrates it to the latest schema. Load failures fall
// through with a warning; failing to build even an empty schema is fatal.
func Open(cfg StoreConfig) (*Store, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	workDir := cfg.WorkDir
	ownedWorkDir := ""
	if workDir == "" {
		tempDir, err := os.MkdirTemp("", "tabulaxy-store-")
		if err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
		workDir = tempDir
		ownedWorkDir = tempDir
	} else if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	workPath := filepath.Join(workDir, "live-"+uuid.NewString()+".db")

	candidates := []struct {
		source SnapshotSource
		path   string
	}{
		{source: SourceSaved, path: cfg.SnapshotPath},
		{source: SourceSeed, path: cfg.SeedPath},
	}

	var db *gorm.DB
	source := SourceEmpty
	for _, candidate := range candidates {
		if candidate.path == "" {
			continue
		}
		loaded, err := loadSnapshot(candidate.path, workPath)
		if err == nil {
			db = loaded
			source = candidate.source
			log.Info("snapshot loaded", zap.String("source", string(source)), zap.String("path", candidate.path))
			break
		}
		removeWorkingCopy(workPath)
		if errors.Is(err, os.ErrNotExist) {
			log.Info("snapshot not found", zap.String("source", string(candidate.source)), zap.String("path", candidate.path))
			continue
		}
		log.Warn("snapshot load failed, falling back",
			zap.String("source", string(candidate.source)),
			zap.String("path", candidate.path),
			zap.Error(err))
	}

	if db == nil {
		empty, err := openSQLite(workPath)
		if err != nil {
			cleanupWorkDir(ownedWorkDir)
			return nil, fmt.Errorf("construct empty store: %w", err)
		}
		db = empty
		log.Info("empty store created", zap.String("path", workPath))
	}

	if err := applyMigrations(db, schemaMigrations(), clock, log); err != nil {
		closeGorm(db)
		removeWorkingCopy(workPath)
		cleanupWorkDir(ownedWorkDir)
		return nil, err
	}

	store := &Store{
		db:              db,
		snapshotPath:    cfg.SnapshotPath,
		workPath:        workPath,
		ownedWorkDir:    ownedWorkDir,
		source:          source,
		logger:          log,
		persistRequests: make(chan struct{}, 1),
		persistDone:     make(chan struct{}),
	}
	go store.persistLoop()

	_ = store.Persist(context.Background())

	log.Info("database initialized", zap.String("source", string(source)), zap.String("work_path", workPath))
	return store, nil
}

// DB exposes the gorm handle for model-based services.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Source reports which snapshot the store was loaded from.
func (s *Store) Source() SnapshotSource {
	return s.source
}

// Query runs a read and scans the rows into dest.
func (s *Store) Query(ctx context.Context, dest any, query string, args ...any) error {
	return gormExecutor{db: s.db}.Query(ctx, dest, query, args...)
}

// Exec runs a mutating statement and returns the affected row count.
func (s *Store) Exec(ctx context.Context, statement string, args ...any) (int64, error) {
	return gormExecutor{db: s.db}.Exec(ctx, statement, args...)
}

// Transaction runs fn inside a single transaction.
func (s *Store) Transaction(ctx context.Context, fn func(Executor) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(gormExecutor{db: tx})
	})
}

// Persist exports the live store to the durable snapshot. The export goes to
// a temporary file first and is renamed into place so the snapshot is never
// half written. Failures are logged and returned; callers may ignore them.
func (s *Store) Persist(ctx context.Context) error {
	if s.snapshotPath == "" {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	err := s.exportSnapshot(ctx)
	if err != nil {
		s.logger.Error("snapshot persist failed", zap.String("path", s.snapshotPath), zap.Error(err))
		return err
	}
	s.logger.Debug("snapshot persisted", zap.String("path", s.snapshotPath))
	return nil
}

// RequestPersist queues a background persist. Requests made while one is
// pending collapse into it.
func (s *Store) RequestPersist() {
	s.requestMu.RLock()
	defer s.requestMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.persistRequests <- struct{}{}:
	default:
	}
}

// Close drains pending persists, writes a final snapshot, and removes the working copy.
func (s *Store) Close() error {
	s.requestMu.Lock()
	if s.closed {
		s.requestMu.Unlock()
		return ErrStoreClosed
	}
	s.closed = true
	close(s.persistRequests)
	s.requestMu.Unlock()

	<-s.persistDone
	persistErr := s.Persist(context.Background())

	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	removeWorkingCopy(s.workPath)
	cleanupWorkDir(s.ownedWorkDir)
	if err != nil {
		return err
	}
	return persistErr
}

func (s *Store) persistLoop() {
	defer close(s.persistDone)
	for range s.persistRequests {
		_ = s.Persist(context.Background())
	}
}

func (s *Store) exportSnapshot(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0o755); err != nil {
		return err
	}
	tempPath := s.snapshotPath + ".tmp"
	if err := os.Remove(tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := s.db.WithContext(ctx).Exec("VACUUM INTO ?", tempPath).Error; err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("export snapshot: %w", err)
	}
	if err := os.Rename(tempPath, s.snapshotPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

type gormExecutor struct {
	db *gorm.DB
}

func (e gormExecutor) Query(ctx context.Context, dest any, query string, args ...any) error {
	return e.db.WithContext(ctx).Raw(query, args...).Scan(dest).Error
}

func (e gormExecutor) Exec(ctx context.Context, statement string, args ...any) (int64, error) {
	result := e.db.WithContext(ctx).Exec(statement, args...)
	return result.RowsAffected, result.Error
}

func openSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// loadSnapshot copies the snapshot into the working path and verifies it.
func loadSnapshot(snapshotPath, workPath string) (*gorm.DB, error) {
	if err := copyFile(snapshotPath, workPath); err != nil {
		return nil, err
	}
	db, err := openSQLite(workPath)
	if err != nil {
		return nil, err
	}
	var verdict string
	if err := db.Raw("PRAGMA quick_check").Scan(&verdict).Error; err != nil {
		closeGorm(db)
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if verdict != "ok" {
		closeGorm(db)
		return nil, fmt.Errorf("%w: %s", ErrSnapshotCorrupt, verdict)
	}
	return db, nil
}

func copyFile(sourcePath, destinationPath string) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer source.Close()

	destination, err := os.Create(destinationPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(destination, source); err != nil {
		destination.Close()
		return err
	}
	return destination.Close()
}

func closeGorm(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func removeWorkingCopy(path string) {
	for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
}

func cleanupWorkDir(dir string) {
	if dir != "" {
		_ = os.RemoveAll(dir)
	}
}

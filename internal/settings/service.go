package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Well-known setting keys seeded by the schema.
const (
	KeyAdsRemoved       = "ads_removed"
	KeyPremiumWords     = "premium_words"
	KeySoundEnabled     = "sound_enabled"
	KeyVibrationEnabled = "vibration_enabled"
)

// Store product identifiers.
const (
	ProductRemoveAds    = "com.karubsg.tabulaxy.remove_ads"
	ProductPremiumWords = "com.karubsg.tabulaxy.premium_words"
)

const purchaseTimeLayout = "2006-01-02 15:04:05"

var (
	// ErrInvalidKey indicates an empty setting key.
	ErrInvalidKey = errors.New("settings: invalid key")
	// ErrInvalidProduct indicates an empty product identifier.
	ErrInvalidProduct = errors.New("settings: invalid product")
)

// Persister queues a snapshot of the store after a mutation.
type Persister interface {
	RequestPersist()
}

// ServiceConfig describes the dependencies of the settings service.
type ServiceConfig struct {
	Database  *gorm.DB
	Persister Persister
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service reads and writes feature flags and purchases. Reads go through an
// in-memory cache that every write refreshes.
type Service struct {
	db        *gorm.DB
	persister Persister
	now       func() time.Time
	logger    *zap.Logger
	cache     sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("settings: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        cfg.Database,
		persister: cfg.Persister,
		now:       clock,
		logger:    logger,
		cache:     sync.Map{},
	}, nil
}

// Get returns the value stored for key and whether it exists.
func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, ErrInvalidKey
	}
	if cached, ok := s.cache.Load(key); ok {
		if value, ok := cached.(string); ok {
			return value, true, nil
		}
	}

	var setting Setting
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("settings: read %s: %w", key, err)
	}
	s.cache.Store(key, setting.Value)
	return setting.Value, true, nil
}

// Bool interprets the stored value as a boolean. Missing or unparsable values read as false.
func (s *Service) Bool(ctx context.Context, key string) (bool, error) {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	parsed, parseErr := strconv.ParseBool(value)
	if parseErr != nil {
		s.logger.Warn("setting is not a boolean", zap.String("key", key), zap.String("value", value))
		return false, nil
	}
	return parsed, nil
}

// Set upserts the value for key.
func (s *Service) Set(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidKey
	}
	if err := upsertSetting(s.db.WithContext(ctx), key, value); err != nil {
		return fmt.Errorf("settings: write %s: %w", key, err)
	}
	s.cache.Store(key, value)
	s.requestPersist()
	return nil
}

// All returns every stored setting keyed by name.
func (s *Service) All(ctx context.Context) (map[string]string, error) {
	var rows []Setting
	if err := s.db.WithContext(ctx).Order("key").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("settings: list: %w", err)
	}
	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
		s.cache.Store(row.Key, row.Value)
	}
	return values, nil
}

// Features is the unlocked feature set read by the game shell.
type Features struct {
	AdsRemoved       bool `json:"adsRemoved"`
	PremiumWords     bool `json:"premiumWords"`
	SoundEnabled     bool `json:"soundEnabled"`
	VibrationEnabled bool `json:"vibrationEnabled"`
}

func (s *Service) Features(ctx context.Context) (Features, error) {
	var features Features
	for key, target := range map[string]*bool{
		KeyAdsRemoved:       &features.AdsRemoved,
		KeyPremiumWords:     &features.PremiumWords,
		KeySoundEnabled:     &features.SoundEnabled,
		KeyVibrationEnabled: &features.VibrationEnabled,
	} {
		value, err := s.Bool(ctx, key)
		if err != nil {
			return Features{}, err
		}
		*target = value
	}
	return features, nil
}

// RecordPurchase stores the purchase and switches on the feature it unlocks.
// Recording the same product again reactivates it without adding a row.
func (s *Service) RecordPurchase(ctx context.Context, productID string) (Purchase, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Purchase{}, ErrInvalidProduct
	}
	flag := featureFlag(productID)

	purchase := Purchase{
		ProductID:   productID,
		PurchasedAt: s.now().UTC().Format(purchaseTimeLayout),
		IsActive:    true,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "product_id"}},
			DoUpdates: clause.Assignments(map[string]any{"is_active": true}),
		}).Create(&purchase).Error; err != nil {
			return err
		}
		if flag != "" {
			return upsertSetting(tx, flag, "true")
		}
		return nil
	})
	if err != nil {
		s.logger.Error("purchase record failed", zap.String("product_id", productID), zap.Error(err))
		return Purchase{}, fmt.Errorf("settings: record purchase %s: %w", productID, err)
	}
	if flag != "" {
		s.cache.Store(flag, "true")
	}
	s.requestPersist()
	s.logger.Info("purchase recorded", zap.String("product_id", productID), zap.String("feature", flag))

	var stored Purchase
	if err := s.db.WithContext(ctx).Where("product_id = ?", productID).Take(&stored).Error; err != nil {
		return Purchase{}, fmt.Errorf("settings: reload purchase %s: %w", productID, err)
	}
	return stored, nil
}

// ActivePurchases lists purchases that are still active, oldest first.
func (s *Service) ActivePurchases(ctx context.Context) ([]Purchase, error) {
	var purchases []Purchase
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&purchases).Error; err != nil {
		return nil, fmt.Errorf("settings: list purchases: %w", err)
	}
	return purchases, nil
}

func (s *Service) requestPersist() {
	if s.persister != nil {
		s.persister.RequestPersist()
	}
}

func upsertSetting(db *gorm.DB, key, value string) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&Setting{Key: key, Value: value}).Error
}

// featureFlag maps a product to the setting it unlocks. Both the full store
// identifier and its trailing segment are accepted.
func featureFlag(productID string) string {
	segment := productID
	if index := strings.LastIndex(productID, "."); index >= 0 {
		segment = productID[index+1:]
	}
	switch segment {
	case "remove_ads":
		return KeyAdsRemoved
	case "premium_words":
		return KeyPremiumWords
	default:
		return ""
	}
}

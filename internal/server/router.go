package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/settings"
	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/words"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultCardCount         = 10
	maxCardCount             = 200
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingWordService     = errors.New("word service dependency required")
	errMissingSettingsService = errors.New("settings service dependency required")
	errMissingDispatcher      = errors.New("refill dispatcher dependency required")
)

type WordService interface {
	StartNewSession() (string, error)
	PreloadForMode(ctx context.Context, mode catalog.Mode, categoryIDs []int64) error
	GetWords(ctx context.Context, mode catalog.Mode, count int, categoryIDs []int64) ([]catalog.Card, error)
	GetNextWord(ctx context.Context, mode catalog.Mode) (*catalog.Card, error)
	CheckAndRefillCache(mode catalog.Mode)
	Stats(ctx context.Context) (words.Stats, error)
	Categories(ctx context.Context) ([]catalog.Category, error)
	Difficulties(ctx context.Context) ([]catalog.Difficulty, error)
	ReplaySession(ctx context.Context) (int64, error)
}

type SettingsService interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	All(ctx context.Context) (map[string]string, error)
	Features(ctx context.Context) (settings.Features, error)
	RecordPurchase(ctx context.Context, productID string) (settings.Purchase, error)
	ActivePurchases(ctx context.Context) ([]settings.Purchase, error)
}

type Dependencies struct {
	WordService       WordService
	SettingsService   SettingsService
	Dispatcher        *RefillDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.WordService == nil {
		return nil, errMissingWordService
	}
	if deps.SettingsService == nil {
		return nil, errMissingSettingsService
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		words:     deps.WordService,
		settings:  deps.SettingsService,
		events:    deps.Dispatcher,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.POST("/sessions", handler.handleStartSession)
	router.DELETE("/sessions/current/usage", handler.handleReplaySession)
	router.GET("/stats", handler.handleStats)
	router.GET("/categories", handler.handleCategories)
	router.GET("/difficulties", handler.handleDifficulties)
	router.GET("/events", handler.handleEvents)

	modes := router.Group("/modes/:mode")
	modes.POST("/preload", handler.handlePreload)
	modes.GET("/words", handler.handleGetWords)
	modes.GET("/next", handler.handleNextWord)

	router.GET("/features", handler.handleFeatures)
	router.GET("/settings", handler.handleListSettings)
	router.GET("/settings/:key", handler.handleGetSetting)
	router.PUT("/settings/:key", handler.handlePutSetting)
	router.GET("/purchases", handler.handleListPurchases)
	router.POST("/purchases", handler.handleRecordPurchase)

	return router, nil
}

// corsMiddleware allows the listed origins, or every origin when none are given.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	words     WordService
	settings  SettingsService
	events    *RefillDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

type sessionResponsePayload struct {
	SessionID string `json:"session_id"`
}

func (h *httpHandler) handleStartSession(c *gin.Context) {
	sessionID, err := h.words.StartNewSession()
	if err != nil {
		h.respondServiceError(c, "session_start_failed", err)
		return
	}
	c.JSON(http.StatusCreated, sessionResponsePayload{SessionID: sessionID})
}

type replayResponsePayload struct {
	Cleared int64 `json:"cleared"`
}

func (h *httpHandler) handleReplaySession(c *gin.Context) {
	cleared, err := h.words.ReplaySession(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "session_replay_failed", err)
		return
	}
	c.JSON(http.StatusOK, replayResponsePayload{Cleared: cleared})
}

type preloadResponsePayload struct {
	Mode  catalog.Mode         `json:"mode"`
	Cache words.ModeCacheStats `json:"cache"`
}

func (h *httpHandler) handlePreload(c *gin.Context) {
	mode, ok := h.parseMode(c)
	if !ok {
		return
	}
	categoryIDs, err := parseCategoryIDs(c.Query("categories"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_categories"})
		return
	}
	if err := h.words.PreloadForMode(c.Request.Context(), mode, categoryIDs); err != nil {
		h.respondServiceError(c, "preload_failed", err)
		return
	}
	stats, err := h.words.Stats(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "stats_failed", err)
		return
	}
	c.JSON(http.StatusOK, preloadResponsePayload{Mode: mode, Cache: stats.CacheStats[mode]})
}

type cardsResponsePayload struct {
	Mode  catalog.Mode   `json:"mode"`
	Cards []catalog.Card `json:"cards"`
}

func (h *httpHandler) handleGetWords(c *gin.Context) {
	mode, ok := h.parseMode(c)
	if !ok {
		return
	}
	count := defaultCardCount
	if raw := strings.TrimSpace(c.Query("count")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxCardCount {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_count"})
			return
		}
		count = parsed
	}
	categoryIDs, err := parseCategoryIDs(c.Query("categories"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_categories"})
		return
	}

	cards, err := h.words.GetWords(c.Request.Context(), mode, count, categoryIDs)
	if err != nil {
		h.respondServiceError(c, "get_words_failed", err)
		return
	}
	h.words.CheckAndRefillCache(mode)
	c.JSON(http.StatusOK, cardsResponsePayload{Mode: mode, Cards: cards})
}

func (h *httpHandler) handleNextWord(c *gin.Context) {
	mode, ok := h.parseMode(c)
	if !ok {
		return
	}
	card, err := h.words.GetNextWord(c.Request.Context(), mode)
	if err != nil {
		h.respondServiceError(c, "next_word_failed", err)
		return
	}
	h.words.CheckAndRefillCache(mode)
	if card == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (h *httpHandler) handleStats(c *gin.Context) {
	stats, err := h.words.Stats(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "stats_failed", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type categoryPayload struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	NameTR string `json:"name_tr"`
	Icon   string `json:"icon,omitempty"`
	Color  string `json:"color,omitempty"`
}

func (h *httpHandler) handleCategories(c *gin.Context) {
	categories, err := h.words.Categories(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "categories_failed", err)
		return
	}
	payload := make([]categoryPayload, 0, len(categories))
	for _, category := range categories {
		payload = append(payload, categoryPayload{
			ID:     category.ID,
			Name:   category.Name,
			NameTR: category.LocalizedName,
			Icon:   category.Icon,
			Color:  category.Color,
		})
	}
	c.JSON(http.StatusOK, gin.H{"categories": payload})
}

type difficultyPayload struct {
	ID     int64   `json:"id"`
	Name   string  `json:"name"`
	NameTR string  `json:"name_tr"`
	Weight float64 `json:"weight"`
}

func (h *httpHandler) handleDifficulties(c *gin.Context) {
	difficulties, err := h.words.Difficulties(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "difficulties_failed", err)
		return
	}
	payload := make([]difficultyPayload, 0, len(difficulties))
	for _, difficulty := range difficulties {
		payload = append(payload, difficultyPayload{
			ID:     difficulty.ID,
			Name:   difficulty.Name,
			NameTR: difficulty.LocalizedName,
			Weight: difficulty.Weight,
		})
	}
	c.JSON(http.StatusOK, gin.H{"difficulties": payload})
}

func (h *httpHandler) handleFeatures(c *gin.Context) {
	features, err := h.settings.Features(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read features", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "features_read_failed"})
		return
	}
	c.JSON(http.StatusOK, features)
}

func (h *httpHandler) handleListSettings(c *gin.Context) {
	values, err := h.settings.All(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list settings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "setting_list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": values})
}

type settingPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (h *httpHandler) handleGetSetting(c *gin.Context) {
	key := c.Param("key")
	value, found, err := h.settings.Get(c.Request.Context(), key)
	if errors.Is(err, settings.ErrInvalidKey) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_key"})
		return
	}
	if err != nil {
		h.logger.Error("failed to read setting", zap.String("key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "setting_read_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "setting_not_found"})
		return
	}
	c.JSON(http.StatusOK, settingPayload{Key: key, Value: value})
}

type settingRequestPayload struct {
	Value *string `json:"value"`
}

func (h *httpHandler) handlePutSetting(c *gin.Context) {
	key := c.Param("key")
	var request settingRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Value == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.settings.Set(c.Request.Context(), key, *request.Value)
	if errors.Is(err, settings.ErrInvalidKey) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_key"})
		return
	}
	if err != nil {
		h.logger.Error("failed to write setting", zap.String("key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "setting_write_failed"})
		return
	}
	c.JSON(http.StatusOK, settingPayload{Key: key, Value: *request.Value})
}

type purchaseRequestPayload struct {
	ProductID string `json:"product_id"`
}

func (h *httpHandler) handleRecordPurchase(c *gin.Context) {
	var request purchaseRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ProductID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	purchase, err := h.settings.RecordPurchase(c.Request.Context(), request.ProductID)
	if err != nil {
		h.logger.Error("failed to record purchase", zap.String("product_id", request.ProductID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "purchase_failed"})
		return
	}
	c.JSON(http.StatusCreated, purchase)
}

func (h *httpHandler) handleListPurchases(c *gin.Context) {
	purchases, err := h.settings.ActivePurchases(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list purchases", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "purchase_list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchases": purchases})
}

type heartbeatPayload struct {
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

// handleEvents streams refill events as server-sent events until the client goes away.
func (h *httpHandler) handleEvents(c *gin.Context) {
	var mode catalog.Mode
	if raw := strings.TrimSpace(c.Query("mode")); raw != "" {
		parsed, err := catalog.ParseMode(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode"})
			return
		}
		mode = parsed
	}

	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, mode)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(RealtimeEventRefill, event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceBackend, Timestamp: tick.Unix()})
			return true
		}
	})
}

func (h *httpHandler) parseMode(c *gin.Context) (catalog.Mode, bool) {
	mode, err := catalog.ParseMode(c.Param("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode"})
		return "", false
	}
	return mode, true
}

func (h *httpHandler) respondServiceError(c *gin.Context, fallback string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrInvalidMode):
		status = http.StatusBadRequest
	case errors.Is(err, words.ErrServiceClosed):
		status = http.StatusServiceUnavailable
	}
	body := gin.H{"error": fallback}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	h.logger.Error("word request failed", zap.String("error_code", fallback), zap.Error(err))
	c.JSON(status, body)
}

func parseCategoryIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id < catalog.CategoryEntertainment || id > catalog.CategoryMixed {
			return nil, errors.New("unknown category")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

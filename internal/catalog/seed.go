package catalog

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

//go:embed seed/words.json
var legacySeedJSON []byte

// seedEntry accepts both the long keys of the bundled catalog and the short
// keys emitted by the content generator.
type seedEntry struct {
	Target       string   `json:"target"`
	ShortTarget  string   `json:"t"`
	Forbidden    []string `json:"forbidden"`
	ShortForbid  []string `json:"f"`
	CategoryID   int64    `json:"category_id"`
	ShortCat     int64    `json:"c"`
	DifficultyID int64    `json:"difficulty_id"`
	ShortDiff    int64    `json:"d"`
	ModeFlags    int64    `json:"mode_flags"`
}

func (entry seedEntry) word() (Word, error) {
	target := strings.TrimSpace(firstNonEmpty(entry.Target, entry.ShortTarget))
	if target == "" {
		return Word{}, errors.New("empty target")
	}
	forbidden := entry.Forbidden
	if len(forbidden) == 0 {
		forbidden = entry.ShortForbid
	}
	categoryID := firstPositive(entry.CategoryID, entry.ShortCat, CategoryMixed)
	difficultyID := firstPositive(entry.DifficultyID, entry.ShortDiff, DifficultyMedium)
	flags := ModeFlags(entry.ModeFlags)
	if flags == 0 {
		flags = FlagAll
	}
	if !flags.Valid() {
		return Word{}, fmt.Errorf("invalid mode flags %d", entry.ModeFlags)
	}
	if categoryID > CategoryMixed || difficultyID > DifficultyExpert {
		return Word{}, fmt.Errorf("unknown category %d or difficulty %d", categoryID, difficultyID)
	}
	return Word{
		Target:       target,
		Forbidden:    append([]string(nil), forbidden...),
		CategoryID:   categoryID,
		DifficultyID: difficultyID,
		ModeFlags:    flags,
	}, nil
}

// LegacySeedWords returns the catalog bundled with the binary.
func LegacySeedWords() ([]Word, error) {
	return parseSeedWords(legacySeedJSON, zap.NewNop())
}

// LoadSeedWords builds the seed set from an optional external JSON file merged
// with the bundled catalog. An unreadable external file is logged and ignored.
// Entries sharing a target key are merged by OR-ing their mode flags; the
// first entry's clue-words win.
func LoadSeedWords(path string, logger *zap.Logger) ([]Word, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var external []Word
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Info("external seed file not found", zap.String("path", path))
		case err != nil:
			logger.Warn("external seed file unreadable", zap.String("path", path), zap.Error(err))
		default:
			parsed, parseErr := parseSeedWords(raw, logger)
			if parseErr != nil {
				logger.Warn("external seed file invalid", zap.String("path", path), zap.Error(parseErr))
			} else {
				external = parsed
				logger.Info("external seed file loaded", zap.String("path", path), zap.Int("words", len(parsed)))
			}
		}
	}

	legacy, err := LegacySeedWords()
	if err != nil {
		return nil, fmt.Errorf("parse bundled seed catalog: %w", err)
	}

	merged := MergeSeedWords(external, legacy)
	logger.Info("seed words prepared",
		zap.Int("external", len(external)),
		zap.Int("legacy", len(legacy)),
		zap.Int("merged", len(merged)))
	return merged, nil
}

// MergeSeedWords concatenates the sets, collapsing entries with the same target key.
func MergeSeedWords(sets ...[]Word) []Word {
	merged := make([]Word, 0)
	indexByKey := make(map[string]int)
	for _, set := range sets {
		for _, word := range set {
			key := TargetKey(word.Target)
			if index, ok := indexByKey[key]; ok {
				merged[index].ModeFlags |= word.ModeFlags
				continue
			}
			indexByKey[key] = len(merged)
			merged = append(merged, word)
		}
	}
	return merged
}

func parseSeedWords(raw []byte, logger *zap.Logger) ([]Word, error) {
	var entries []seedEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	words := make([]Word, 0, len(entries))
	for index, entry := range entries {
		word, err := entry.word()
		if err != nil {
			logger.Warn("seed entry skipped", zap.Int("index", index), zap.Error(err))
			continue
		}
		words = append(words, word)
	}
	return words, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func firstPositive(values ...int64) int64 {
	for _, value := range values {
		if value > 0 {
			return value
		}
	}
	return 0
}

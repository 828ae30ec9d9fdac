package catalog

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Category identifiers seeded by the initial schema.
const (
	CategoryEntertainment int64 = 1
	CategoryScience       int64 = 2
	CategoryDailyLife     int64 = 3
	CategoryCulture       int64 = 4
	CategoryTechnology    int64 = 5
	CategoryMixed         int64 = 6
)

// Difficulty identifiers seeded by the initial schema.
const (
	DifficultyEasy   int64 = 1
	DifficultyMedium int64 = 2
	DifficultyHard   int64 = 3
	DifficultyExpert int64 = 4
)

// StandardCategories are the categories used by balanced draws when the caller
// does not pick any. Mixed only holds silent and marathon words.
func StandardCategories() []int64 {
	return []int64{CategoryEntertainment, CategoryScience, CategoryDailyLife, CategoryCulture, CategoryTechnology}
}

// Word is a guessable term with the clue-words that may not be used to describe it.
type Word struct {
	ID           int64
	Target       string
	Forbidden    []string
	CategoryID   int64
	DifficultyID int64
	ModeFlags    ModeFlags
}

// Category is static reference data for word grouping.
type Category struct {
	ID            int64
	Name          string
	LocalizedName string
	Icon          string
	Color         string
}

// Label returns the display name for the locale, falling back to the default name.
func (c Category) Label(locale string) string {
	if strings.EqualFold(locale, "tr") && c.LocalizedName != "" {
		return c.LocalizedName
	}
	return c.Name
}

// Difficulty biases selection through its weight; higher surfaces earlier.
type Difficulty struct {
	ID            int64
	Name          string
	LocalizedName string
	Weight        float64
}

// Card is the externally visible shape handed to the game loop.
type Card struct {
	Target    string   `json:"target"`
	Forbidden []string `json:"forbidden"`
	Category  string   `json:"category,omitempty"`
}

var (
	silentForbidden   = []string{"KONUŞMAK YASAK!", "SES ÇIKARMAK YASAK!"}
	marathonForbidden = []string{"Hızlı Ol!", "Kelime Say!"}
)

const (
	silentCategoryLabel   = "Sessiz Sinema"
	marathonCategoryLabel = "Maraton"
)

// NewCard maps a stored word to a card for the mode. Silent and marathon cards
// carry fixed instructions instead of clue-words.
func NewCard(word Word, mode Mode, categoryLabel string) Card {
	switch mode {
	case ModeSilent:
		return Card{Target: word.Target, Forbidden: append([]string(nil), silentForbidden...), Category: silentCategoryLabel}
	case ModeMarathon:
		return Card{Target: word.Target, Forbidden: append([]string(nil), marathonForbidden...), Category: marathonCategoryLabel}
	default:
		return Card{Target: word.Target, Forbidden: append([]string(nil), word.Forbidden...), Category: categoryLabel}
	}
}

// TargetKey normalizes a target for case-insensitive uniqueness. Turkish casing
// rules apply so that "Kitap" and "KİTAP" share a key.
func TargetKey(target string) string {
	return cases.Upper(language.Turkish).String(strings.Join(strings.Fields(target), " "))
}

package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// Mode identifies a game mode that draws words from the catalog.
type Mode string

const (
	// ModeClassic is the describe-without-forbidden-words mode.
	ModeClassic Mode = "classic"
	// ModeSilent is the pantomime mode.
	ModeSilent Mode = "silent"
	// ModeMarathon is the rapid fifteen-word mode.
	ModeMarathon Mode = "marathon"
	// ModeJourney is the map mode mixing every other mode.
	ModeJourney Mode = "journey"
)

// ModeFlags is the stored eligibility bitmask of a word. The bit layout is
// persisted in words.mode_flags and must not be renumbered without a migration.
type ModeFlags int64

const (
	FlagClassic  ModeFlags = 1
	FlagSilent   ModeFlags = 2
	FlagMarathon ModeFlags = 4
	FlagJourney  ModeFlags = 8
	FlagAll      ModeFlags = FlagClassic | FlagSilent | FlagMarathon | FlagJourney
)

// ErrInvalidMode indicates an unknown game mode identifier.
var ErrInvalidMode = errors.New("catalog: invalid mode")

// Modes lists every supported mode in display order.
func Modes() []Mode {
	return []Mode{ModeClassic, ModeSilent, ModeMarathon, ModeJourney}
}

// ParseMode validates a raw identifier and returns the matching Mode.
func ParseMode(rawInput string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ModeClassic:
		return ModeClassic, nil
	case ModeSilent:
		return ModeSilent, nil
	case ModeMarathon:
		return ModeMarathon, nil
	case ModeJourney:
		return ModeJourney, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, rawInput)
	}
}

// String returns the mode identifier.
func (m Mode) String() string {
	return string(m)
}

// Flag converts the mode to the bitmask used in store filters.
// Journey draws from every mode, so it maps to FlagAll.
func (m Mode) Flag() ModeFlags {
	switch m {
	case ModeClassic:
		return FlagClassic
	case ModeSilent:
		return FlagSilent
	case ModeMarathon:
		return FlagMarathon
	default:
		return FlagAll
	}
}

// Has reports whether any bit of the mode's flag is set.
func (f ModeFlags) Has(mode Mode) bool {
	return f&mode.Flag() != 0
}

// Valid reports whether the flags are non-zero and within the known bits.
func (f ModeFlags) Valid() bool {
	return f != 0 && f&^FlagAll == 0
}

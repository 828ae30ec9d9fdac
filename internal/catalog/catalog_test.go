package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"go.uber.org/zap"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    Mode
		wantErr bool
	}{
		{input: "classic", want: ModeClassic},
		{input: " SILENT ", want: ModeSilent},
		{input: "Marathon", want: ModeMarathon},
		{input: "journey", want: ModeJourney},
		{input: "bingo", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			mode, err := ParseMode(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidMode) {
					t.Fatalf("expected invalid mode error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if mode != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, mode)
			}
		})
	}
}

func TestModeFlagMapping(t *testing.T) {
	flags := map[Mode]ModeFlags{
		ModeClassic:  FlagClassic,
		ModeSilent:   FlagSilent,
		ModeMarathon: FlagMarathon,
		ModeJourney:  FlagAll,
	}
	for _, mode := range Modes() {
		if mode.Flag() != flags[mode] {
			t.Fatalf("mode %s: expected flag %d, got %d", mode, flags[mode], mode.Flag())
		}
	}
	if len(Modes()) != len(flags) {
		t.Fatalf("expected %d modes, got %v", len(flags), Modes())
	}

	silentOnly := FlagSilent | FlagJourney
	if !silentOnly.Has(ModeSilent) || !silentOnly.Has(ModeJourney) || silentOnly.Has(ModeClassic) {
		t.Fatalf("unexpected membership for flags %d", silentOnly)
	}

	if ModeFlags(0).Valid() || ModeFlags(16).Valid() || !FlagAll.Valid() {
		t.Fatalf("unexpected flag validity")
	}
}

func TestNewCardOverridesForbiddenForSilentAndMarathon(t *testing.T) {
	word := Word{Target: "FUTBOL", Forbidden: []string{"Top", "Kale"}, CategoryID: CategoryEntertainment}

	tests := []struct {
		mode      Mode
		forbidden []string
		category  string
	}{
		{mode: ModeClassic, forbidden: []string{"Top", "Kale"}, category: "Eğlence"},
		{mode: ModeSilent, forbidden: []string{"KONUŞMAK YASAK!", "SES ÇIKARMAK YASAK!"}, category: "Sessiz Sinema"},
		{mode: ModeMarathon, forbidden: []string{"Hızlı Ol!", "Kelime Say!"}, category: "Maraton"},
	}
	for _, tt := range tests {
		card := NewCard(word, tt.mode, "Eğlence")
		if !slices.Equal(card.Forbidden, tt.forbidden) || card.Category != tt.category {
			t.Fatalf("mode %s: unexpected card %+v", tt.mode, card)
		}
	}

	classic := NewCard(word, ModeClassic, "Eğlence")
	classic.Forbidden[0] = "changed"
	if word.Forbidden[0] != "Top" {
		t.Fatalf("expected the card to own its forbidden list")
	}
}

func TestTargetKeyFoldsTurkishCase(t *testing.T) {
	if TargetKey("KİTAP") != TargetKey("Kitap") {
		t.Fatalf("expected dotted capital I to fold to i")
	}
	if TargetKey("SAAT") != TargetKey(" saat ") {
		t.Fatalf("expected surrounding space ignored")
	}
	if TargetKey("YAPAY ZEKA") != TargetKey("yapay   zeka") {
		t.Fatalf("expected inner spacing collapsed")
	}
	if TargetKey("KIR") == TargetKey("KİR") {
		t.Fatalf("expected dotless and dotted I kept apart")
	}
}

func TestLegacySeedWordsCoverEveryMode(t *testing.T) {
	words, err := LegacySeedWords()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(words) < 100 {
		t.Fatalf("expected at least 100 seed words, got %d", len(words))
	}

	for _, mode := range []Mode{ModeClassic, ModeSilent, ModeMarathon} {
		count := 0
		for _, word := range words {
			if word.ModeFlags.Has(mode) {
				count++
			}
		}
		if count == 0 {
			t.Fatalf("expected seed words for mode %s", mode)
		}
	}
}

func TestMergeSeedWordsCombinesFlagsOnSharedKey(t *testing.T) {
	first := []Word{{Target: "KİTAP", Forbidden: []string{"Okumak"}, ModeFlags: FlagClassic}}
	second := []Word{
		{Target: "Kitap", Forbidden: []string{"x"}, ModeFlags: FlagSilent},
		{Target: "Masa", ModeFlags: FlagMarathon},
	}

	merged := MergeSeedWords(first, second)

	if len(merged) != 2 {
		t.Fatalf("expected 2 merged words, got %d", len(merged))
	}
	if merged[0].Target != "KİTAP" || !slices.Equal(merged[0].Forbidden, []string{"Okumak"}) {
		t.Fatalf("expected the first occurrence kept, got %+v", merged[0])
	}
	if merged[0].ModeFlags != FlagClassic|FlagSilent {
		t.Fatalf("expected combined flags, got %d", merged[0].ModeFlags)
	}
	if merged[1].Target != "Masa" {
		t.Fatalf("unexpected second word %+v", merged[1])
	}
}

func TestLoadSeedWordsAcceptsShortKeysAndFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "words.json")
	payload := `[{"t":"ZEPLİN","f":["Hava","Balon"],"c":5,"d":3},{"t":"","f":[]}]`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("failed to write words file: %v", err)
	}

	words, err := LoadSeedWords(path, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(words) == 0 {
		t.Fatalf("expected words loaded")
	}
	first := words[0]
	if first.Target != "ZEPLİN" || first.CategoryID != CategoryTechnology || first.DifficultyID != DifficultyHard || first.ModeFlags != FlagAll {
		t.Fatalf("unexpected first word %+v", first)
	}

	legacy, err := LegacySeedWords()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	missing, err := LoadSeedWords(filepath.Join(dir, "missing.json"), zap.NewNop())
	if err != nil {
		t.Fatalf("expected a missing file to fall back, got %v", err)
	}
	if len(missing) != len(MergeSeedWords(legacy)) {
		t.Fatalf("expected %d fallback words, got %d", len(MergeSeedWords(legacy)), len(missing))
	}
}

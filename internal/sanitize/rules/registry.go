package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/free-radical/zeroveil/internal/sanitize"
)

//go:embed recognizers.yaml
var defaultRecognizers []byte

// RecognizerFile is the top-level YAML structure of a recognizer file.
type RecognizerFile struct {
	Recognizers []RecognizerConfig `yaml:"recognizers"`
}

// RecognizerConfig describes one entity: its patterns, the context words
// that raise their score, and an optional checksum gate.
type RecognizerConfig struct {
	Name            string          `yaml:"name"`
	SupportedEntity string          `yaml:"supported_entity"`
	Enabled         *bool           `yaml:"enabled,omitempty"`
	Validate        string          `yaml:"validate,omitempty"` // "", "luhn" or "iban"
	Context         []string        `yaml:"context,omitempty"`
	Patterns        []PatternConfig `yaml:"patterns"`
}

// PatternConfig is a single scored regex. Group selects a capture group as
// the span; zero means the whole match.
type PatternConfig struct {
	Name  string  `yaml:"name"`
	Regex string  `yaml:"regex"`
	Score float64 `yaml:"score"`
	Group int     `yaml:"group,omitempty"`
}

func (r *RecognizerConfig) isEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ParseRecognizerFile parses recognizer YAML.
func ParseRecognizerFile(data []byte) (*RecognizerFile, error) {
	var rf RecognizerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("rules: parsing recognizer YAML: %w", err)
	}
	return &rf, nil
}

// LoadRecognizerFile reads a recognizer file from disk. A missing file is
// an error: an explicitly configured rule file must exist.
func LoadRecognizerFile(path string) (*RecognizerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: reading recognizer file %s: %w", path, err)
	}
	return ParseRecognizerFile(data)
}

// DefaultRecognizers returns the embedded recognizer definitions.
func DefaultRecognizers() ([]RecognizerConfig, error) {
	rf, err := ParseRecognizerFile(defaultRecognizers)
	if err != nil {
		return nil, err
	}
	return rf.Recognizers, nil
}

// mergeRecognizers layers recognizer lists. A later entry replaces an
// earlier one with the same name; new names are appended.
func mergeRecognizers(layers ...[]RecognizerConfig) []RecognizerConfig {
	index := make(map[string]int)
	var merged []RecognizerConfig
	for _, layer := range layers {
		for _, rc := range layer {
			if idx, ok := index[rc.Name]; ok {
				merged[idx] = rc
				continue
			}
			index[rc.Name] = len(merged)
			merged = append(merged, rc)
		}
	}
	return merged
}

type validator func(string) bool

type pattern struct {
	name     string
	category sanitize.Category
	re       *regexp.Regexp
	group    int
	score    float64
	context  []string
	validate validator
}

func compile(recs []RecognizerConfig, enabled map[sanitize.Category]bool) ([]pattern, error) {
	var out []pattern
	for _, rec := range recs {
		if !rec.isEnabled() {
			continue
		}
		cat := sanitize.NormalizeCategory(rec.SupportedEntity)
		if len(enabled) > 0 && !enabled[cat] {
			continue
		}
		var v validator
		switch rec.Validate {
		case "":
		case "luhn":
			v = func(s string) bool { return luhnValid(stripNonDigits(s)) }
		case "iban":
			v = ibanValid
		default:
			return nil, fmt.Errorf("rules: recognizer %q: unknown validator %q", rec.Name, rec.Validate)
		}
		if len(rec.Patterns) == 0 {
			return nil, fmt.Errorf("rules: recognizer %q has no patterns", rec.Name)
		}
		for _, p := range rec.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("rules: compiling pattern %q in recognizer %q: %w", p.Name, rec.Name, err)
			}
			if p.Group < 0 || p.Group > re.NumSubexp() {
				return nil, fmt.Errorf("rules: pattern %q in recognizer %q: group %d out of range", p.Name, rec.Name, p.Group)
			}
			if p.Score <= 0 || p.Score > 1 {
				return nil, fmt.Errorf("rules: pattern %q in recognizer %q: score %v outside (0,1]", p.Name, rec.Name, p.Score)
			}
			out = append(out, pattern{
				name:     p.Name,
				category: cat,
				re:       re,
				group:    p.Group,
				score:    p.Score,
				context:  rec.Context,
				validate: v,
			})
		}
	}
	if len(out) == 0 {
		return nil, errors.New("rules: no enabled recognizers")
	}
	return out, nil
}

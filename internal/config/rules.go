package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleTables are the pattern sets used by transcript cleaning and
// hallucination/filler detection. They live in YAML so the lists can be
// extended without touching merge logic.
type RuleTables struct {
	// BoilerplatePhrases are whole phrases an ASR engine is known to invent
	// during silence or noise (subtitle artifacts, channel sign-offs).
	BoilerplatePhrases []string `yaml:"boilerplate_phrases"`
	// HallucinationMarkers are substrings whose presence counts against a
	// transcript during merge tie-breaks.
	HallucinationMarkers []string `yaml:"hallucination_markers"`
	// FillerWords are hesitation tokens reported to the score calibrator.
	FillerWords []string `yaml:"filler_words"`
	// NonLatinScriptThreshold is the fraction of non-Latin runes in a token
	// run above which the run is stripped as a foreign-script artifact.
	NonLatinScriptThreshold float64 `yaml:"non_latin_script_threshold"`
}

// DefaultRuleTables returns the built-in pattern sets. Used when no rules
// file is configured and as the base that a loaded file overrides.
func DefaultRuleTables() *RuleTables {
	return &RuleTables{
		BoilerplatePhrases: []string{
			"thanks for watching",
			"thank you for watching",
			"please subscribe",
			"like and subscribe",
			"subtitles by",
			"subtitled by",
			"captions by",
			"copyright",
			"www.",
			"transcribed by",
			"see you in the next video",
			"amara.org",
		},
		HallucinationMarkers: []string{
			"thank you",
			"bye-bye",
			"you you you",
			"the the the",
			"...",
		},
		FillerWords: []string{
			"um", "uh", "er", "ah", "hmm", "mhm", "erm",
			"like", "you know", "i mean", "sort of", "kind of",
		},
		NonLatinScriptThreshold: 0.5,
	}
}

// LoadRuleTables reads rule tables from a YAML file, overriding the defaults
// for any list that is present in the file. A missing file is not an error;
// the defaults are returned.
func LoadRuleTables(path string) (*RuleTables, error) {
	rules := DefaultRuleTables()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rules, nil
		}
		return nil, fmt.Errorf("failed to read rule tables file %s: %w", path, err)
	}

	var loaded RuleTables
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse rule tables YAML: %w", err)
	}

	if len(loaded.BoilerplatePhrases) > 0 {
		rules.BoilerplatePhrases = loaded.BoilerplatePhrases
	}
	if len(loaded.HallucinationMarkers) > 0 {
		rules.HallucinationMarkers = loaded.HallucinationMarkers
	}
	if len(loaded.FillerWords) > 0 {
		rules.FillerWords = loaded.FillerWords
	}
	if loaded.NonLatinScriptThreshold > 0 {
		rules.NonLatinScriptThreshold = loaded.NonLatinScriptThreshold
	}

	return rules, nil
}

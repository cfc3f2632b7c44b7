// Package exercise loads reading exercises: a reference text plus the
// assessment options to score it with.
package exercise

import (
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-assess/internal/pronunciation"
	"github.com/loqalabs/loqa-assess/internal/protocol"
	"gopkg.in/yaml.v3"
)

// Exercise describes one reading or speaking task.
type Exercise struct {
	Metadata          Metadata `yaml:"metadata"`
	ReferenceText     string   `yaml:"reference_text"`
	Mode              string   `yaml:"mode,omitempty"`
	Granularity       string   `yaml:"granularity,omitempty"`
	EnableMiscue      *bool    `yaml:"enable_miscue,omitempty"`
	Topic             string   `yaml:"topic,omitempty"`
	PhonemeAlphabet   string   `yaml:"phoneme_alphabet,omitempty"`
	NBestPhonemeCount int      `yaml:"nbest_phoneme_count,omitempty"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Language    string   `yaml:"language"`
	Tags        []string `yaml:"tags,omitempty"`
}

// Load reads an exercise from disk.
func Load(path string) (Exercise, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Exercise{}, err
	}
	var ex Exercise
	if err := yaml.Unmarshal(data, &ex); err != nil {
		return Exercise{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return ex, nil
}

// Validate ensures the exercise contains required fields.
func Validate(ex Exercise) error {
	if ex.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if strings.TrimSpace(ex.ReferenceText) == "" && strings.TrimSpace(ex.Topic) == "" {
		return fmt.Errorf("reference_text or topic is required")
	}
	if _, err := pronunciation.ParseMode(ex.Mode); err != nil {
		return err
	}
	if ex.Granularity != "" && !pronunciation.Granularity(strings.ToLower(ex.Granularity)).Valid() {
		return fmt.Errorf("granularity %q not supported", ex.Granularity)
	}
	switch strings.ToUpper(ex.PhonemeAlphabet) {
	case "", "IPA", "SAPI":
	default:
		return fmt.Errorf("phoneme_alphabet %q not supported", ex.PhonemeAlphabet)
	}
	if ex.NBestPhonemeCount < 0 {
		return fmt.Errorf("nbest_phoneme_count must be >= 0")
	}
	return nil
}

// Request builds the assessment request for sessionID.
func (ex Exercise) Request(sessionID string) protocol.AssessmentRequest {
	return protocol.AssessmentRequest{
		SessionID:         sessionID,
		Mode:              ex.Mode,
		ReferenceText:     ex.ReferenceText,
		Granularity:       strings.ToLower(ex.Granularity),
		EnableMiscue:      ex.EnableMiscue,
		Topic:             ex.Topic,
		Language:          ex.Metadata.Language,
		PhonemeAlphabet:   ex.PhonemeAlphabet,
		NBestPhonemeCount: ex.NBestPhonemeCount,
		Exercise:          ex.Metadata.Name,
	}
}

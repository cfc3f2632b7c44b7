package exercise

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `metadata:
  name: pangram
  description: Every letter of the alphabet
  language: en-US
  tags: [beginner, pangram]
reference_text: The quick brown fox jumps over the lazy dog.
mode: continuous
granularity: Word
enable_miscue: false
nbest_phoneme_count: 3
`

func TestLoadValidExercise(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pangram.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	ex, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(ex); err != nil {
		t.Fatalf("validate: %v", err)
	}

	req := ex.Request("desk")
	if req.SessionID != "desk" || req.Mode != "continuous" || req.Granularity != "word" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.EnableMiscue == nil || *req.EnableMiscue {
		t.Fatal("explicit enable_miscue: false must be carried")
	}
	if req.Language != "en-US" || req.Exercise != "pangram" || req.NBestPhonemeCount != 3 {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestMiscueLeftUnsetUsesDefault(t *testing.T) {
	ex := Exercise{Metadata: Metadata{Name: "x"}, ReferenceText: "hello"}
	if req := ex.Request("s"); req.EnableMiscue != nil {
		t.Fatal("absent enable_miscue must stay unset")
	}
}

func TestValidateRejects(t *testing.T) {
	base := Exercise{Metadata: Metadata{Name: "x"}, ReferenceText: "hello"}
	cases := map[string]func(*Exercise){
		"missing name":      func(ex *Exercise) { ex.Metadata.Name = "" },
		"missing reference": func(ex *Exercise) { ex.ReferenceText = " " },
		"bad mode":          func(ex *Exercise) { ex.Mode = "batch" },
		"bad granularity":   func(ex *Exercise) { ex.Granularity = "syllable" },
		"bad alphabet":      func(ex *Exercise) { ex.PhonemeAlphabet = "arpabet" },
		"negative nbest":    func(ex *Exercise) { ex.NBestPhonemeCount = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			ex := base
			mutate(&ex)
			if err := Validate(ex); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestTopicOnlyExercise(t *testing.T) {
	ex := Exercise{Metadata: Metadata{Name: "travel"}, Topic: "describe your last trip"}
	if err := Validate(ex); err != nil {
		t.Fatalf("topic-only exercises are unscripted speaking tasks: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-assess/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs an external assessment command over a WAV file. The
// command prints the recognizer's JSON result on stdout.
type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
	mu  sync.Mutex
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Recognize(ctx context.Context, pcm []byte, sampleRate int, channels int, opts Options, final bool) (RecognitionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "loqa_assess_*.wav")
	if err != nil {
		return RecognitionResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate, channels); err != nil {
		return RecognitionResult{}, err
	}

	base := r.cmd[0]
	cmdArgs := append(append([]string{}, r.cmd[1:]...), commandArgs(file.Name(), r.cfg.Language, opts, final)...)

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return RecognitionResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	payload := bytes.TrimSpace(stdout.Bytes())
	if !final {
		return RecognitionResult{Text: displayText(payload)}, nil
	}
	// Invalid JSON still reaches the assessor, which falls back to a
	// zero-score report carrying the raw output.
	result := RecognitionResult{Text: displayText(payload), Payload: json.RawMessage(payload)}
	if !json.Valid(payload) {
		raw, _ := json.Marshal(string(payload))
		result.Payload = raw
	}
	return result, nil
}

func commandArgs(audioPath, defaultLanguage string, opts Options, final bool) []string {
	args := []string{"--audio", audioPath}
	language := opts.Language
	if language == "" {
		language = defaultLanguage
	}
	if language != "" {
		args = append(args, "--language", language)
	}
	if opts.TranscribeOnly {
		args = append(args, "--transcribe-only")
	} else {
		args = append(args, "--reference", opts.ReferenceText)
		if opts.Granularity != "" {
			args = append(args, "--granularity", opts.Granularity)
		}
		if opts.EnableMiscue {
			args = append(args, "--miscue")
		}
		if opts.Topic != "" {
			args = append(args, "--topic", opts.Topic)
		}
		if opts.PhonemeAlphabet != "" {
			args = append(args, "--phoneme-alphabet", opts.PhonemeAlphabet)
		}
		if opts.NBestPhonemeCount > 0 {
			args = append(args, "--nbest-phonemes", strconv.Itoa(opts.NBestPhonemeCount))
		}
	}
	if !final {
		args = append(args, "--partial")
	}
	return args
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

package assessor

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-assess/internal/config"
	"github.com/loqalabs/loqa-assess/internal/pronunciation"
	"github.com/loqalabs/loqa-assess/internal/protocol"
)

// EngineDefaults derives the engine defaults from the assessment config.
func EngineDefaults(cfg config.AssessmentConfig) pronunciation.Defaults {
	return pronunciation.Defaults{
		Granularity:          pronunciation.ParseGranularity(cfg.DefaultGranularity),
		CompletenessFallback: cfg.CompletenessFallback,
		MaxAlignmentCells:    cfg.MaxAlignmentCells,
	}
}

// EngineRequest validates a wire request and converts it for the engine.
// An absent enable_miscue takes the configured default.
func EngineRequest(cfg config.AssessmentConfig, req protocol.AssessmentRequest) (pronunciation.Request, error) {
	mode, err := pronunciation.ParseMode(req.Mode)
	if err != nil {
		return pronunciation.Request{}, err
	}
	var granularity pronunciation.Granularity
	if g := strings.ToLower(strings.TrimSpace(req.Granularity)); g != "" {
		granularity = pronunciation.Granularity(g)
		if !granularity.Valid() {
			return pronunciation.Request{}, fmt.Errorf("granularity %q must be one of phoneme|word|text", req.Granularity)
		}
	}
	miscue := cfg.DefaultMiscue
	if req.EnableMiscue != nil {
		miscue = *req.EnableMiscue
	}
	return pronunciation.Request{
		SessionID:            req.SessionID,
		RequestID:            req.RequestID,
		Mode:                 mode,
		ReferenceText:        req.ReferenceText,
		Granularity:          granularity,
		EnableMiscue:         miscue,
		Topic:                req.Topic,
		TranscribeOnly:       req.TranscribeOnly,
		CompletenessFallback: cfg.CompletenessFallback,
		MaxAlignmentCells:    cfg.MaxAlignmentCells,
	}, nil
}

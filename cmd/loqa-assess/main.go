package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-assess/internal/assessor"
	"github.com/loqalabs/loqa-assess/internal/bus"
	"github.com/loqalabs/loqa-assess/internal/config"
	"github.com/loqalabs/loqa-assess/internal/eventstore"
	"github.com/loqalabs/loqa-assess/internal/exercise"
	"github.com/loqalabs/loqa-assess/internal/pronunciation"
	"github.com/loqalabs/loqa-assess/internal/protocol"
)

var version = "0.1.0-dev"

const usage = "expected 'score', 'validate', 'history', 'status' or 'version'"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var err error
	switch args[0] {
	case "score":
		err = runScore(args[1:], stdin, stdout, logger)
	case "validate":
		err = runValidate(args[1:], stdout)
	case "history":
		err = runHistory(args[1:], stdout, logger)
	case "status":
		err = runStatus(args[1:], stdout, logger)
	case "version":
		fmt.Fprintln(stdout, version)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s\n", args[0], usage)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

type scoreFlags struct {
	configPath  string
	exercise    string
	reference   string
	granularity string
	miscue      string
	topic       string
	continuous  bool
	transcribe  bool
}

func runScore(args []string, stdin io.Reader, stdout io.Writer, logger *slog.Logger) error {
	var f scoreFlags
	fs := flag.NewFlagSet("score", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file (defaults when empty)")
	fs.StringVar(&f.exercise, "exercise", "", "Exercise file supplying the reference text and options")
	fs.StringVar(&f.reference, "reference", "", "Reference text")
	fs.StringVar(&f.granularity, "granularity", "", "phoneme, word or text")
	fs.StringVar(&f.miscue, "miscue", "", "Enable miscue detection (true|false); config default when empty")
	fs.StringVar(&f.topic, "topic", "", "Topic for content scoring")
	fs.BoolVar(&f.continuous, "continuous", false, "Treat all payloads as utterances of one session")
	fs.BoolVar(&f.transcribe, "transcribe-only", false, "Print transcripts without scoring")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("score: at least one recognizer payload file is required ('-' reads stdin)")
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	req, err := f.request()
	if err != nil {
		return err
	}
	if f.continuous {
		req.Mode = string(pronunciation.ModeContinuous)
	}
	engineReq, err := assessor.EngineRequest(cfg.Assessment, req)
	if err != nil {
		return err
	}

	payloads := make([][]byte, 0, fs.NArg())
	for _, path := range fs.Args() {
		data, err := readPayload(path, stdin)
		if err != nil {
			return err
		}
		payloads = append(payloads, data)
	}

	manager := pronunciation.NewManager(assessor.EngineDefaults(cfg.Assessment))
	if engineReq.Mode == pronunciation.ModeContinuous {
		begun, _, err := manager.Begin(engineReq)
		if err != nil {
			return err
		}
		for i, payload := range payloads {
			res := manager.Dispatch(finalEvent(begun, payload))
			logOutcome(logger, fs.Arg(i), res)
			if begun.TranscribeOnly {
				fmt.Fprintln(stdout, res.Transcript)
			}
		}
		if begun.TranscribeOnly {
			return nil
		}
		report, ok := manager.Current(begun.SessionID)
		if !ok {
			return errors.New("score: no utterance could be scored")
		}
		return writeJSON(stdout, report)
	}

	for i, payload := range payloads {
		begun, _, err := manager.Begin(engineReq)
		if err != nil {
			return err
		}
		res := manager.Dispatch(finalEvent(begun, payload))
		logOutcome(logger, fs.Arg(i), res)
		switch res.Outcome {
		case pronunciation.Reported, pronunciation.Fallback:
			if err := writeJSON(stdout, res.Report); err != nil {
				return err
			}
		case pronunciation.Transcribed:
			fmt.Fprintln(stdout, res.Transcript)
		}
	}
	return nil
}

// request merges the exercise file, if any, with the command-line flags.
// Flags win.
func (f scoreFlags) request() (protocol.AssessmentRequest, error) {
	req := protocol.AssessmentRequest{SessionID: "cli"}
	if f.exercise != "" {
		ex, err := exercise.Load(f.exercise)
		if err != nil {
			return req, err
		}
		if err := exercise.Validate(ex); err != nil {
			return req, fmt.Errorf("exercise %s: %w", f.exercise, err)
		}
		req = ex.Request("cli")
	}
	if f.reference != "" {
		req.ReferenceText = f.reference
	}
	if f.granularity != "" {
		req.Granularity = f.granularity
	}
	if f.topic != "" {
		req.Topic = f.topic
	}
	if f.miscue != "" {
		v, err := strconv.ParseBool(f.miscue)
		if err != nil {
			return req, fmt.Errorf("-miscue: %w", err)
		}
		req.EnableMiscue = &v
	}
	if f.transcribe {
		req.TranscribeOnly = true
	}
	if f.exercise == "" && strings.TrimSpace(req.ReferenceText) == "" && req.Topic == "" && !req.TranscribeOnly {
		return req, errors.New("score: -reference, -topic or -exercise is required")
	}
	return req, nil
}

func finalEvent(req pronunciation.Request, payload []byte) pronunciation.Event {
	ev := pronunciation.Event{
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Kind:      pronunciation.EventFinal,
		Payload:   payload,
	}
	if u, err := pronunciation.Extract(payload); err == nil {
		ev.Text = u.Transcript
	}
	return ev
}

func logOutcome(logger *slog.Logger, path string, res pronunciation.Result) {
	if res.Err != nil {
		logger.Warn("assessment degraded", slog.String("payload", path), slog.String("error", res.Err.Error()))
	}
	if res.Outcome == pronunciation.NoMatch {
		logger.Warn("no speech recognized", slog.String("payload", path))
	}
	if len(res.Missing) > 0 {
		logger.Info("payload fields defaulted", slog.String("payload", path), slog.Any("fields", res.Missing))
	}
}

func readPayload(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func runValidate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	path := fs.String("file", "exercise.yaml", "Path to exercise file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ex, err := exercise.Load(*path)
	if err != nil {
		return err
	}
	if err := exercise.Validate(ex); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "exercise valid")
	return nil
}

func runHistory(args []string, stdout io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (defaults when empty)")
	sessionID := fs.String("session", "", "Session to show the latest report of; lists sessions when empty")
	limit := fs.Int("limit", 20, "Maximum sessions or records to list")
	records := fs.Bool("records", false, "List every stored record of -session instead of its latest report")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.EventStore.RetentionMode == "ephemeral" {
		return errors.New("history: event store retention is ephemeral")
	}

	ctx := context.Background()
	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if *sessionID == "" {
		sessions, err := store.ListSessions(ctx, *limit)
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n", sess.SessionID, sess.RequestID, sess.Mode, sess.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		return nil
	}

	if *records {
		recs, err := store.ListSessionRecords(ctx, *sessionID, *limit)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			score := "-"
			if rec.Score.Valid {
				score = strconv.FormatFloat(rec.Score.Float64, 'f', -1, 64)
			}
			fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n", rec.Kind, rec.RequestID, score, rec.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		return nil
	}

	rec, ok, err := store.LatestReport(ctx, *sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("history: no report stored for session %q", *sessionID)
	}
	_, err = stdout.Write(append(rec.Payload, '\n'))
	return err
}

// runStatus asks a running daemon over the bus whether a session is
// listening.
func runStatus(args []string, stdout io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (defaults when empty)")
	sessionID := fs.String("session", "", "Session to query")
	timeout := fs.Duration("timeout", 2*time.Second, "How long to wait for the daemon")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return errors.New("status: -session is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client, err := bus.Connect(ctx, "loqa-assess-cli", cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var status protocol.SessionStatus
	if err := client.RequestJSON(ctx, protocol.SubjectAssessStatus, protocol.StatusRequest{SessionID: *sessionID}, &status); err != nil {
		return err
	}
	return writeJSON(stdout, status)
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Command voxprobe replays a scripted conversation against a deployed
// voice bot over its websocket channel, records the exchange, and
// optionally grades it against the golden transcript.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxprobe/voxprobe/internal/dotenv"
	"github.com/voxprobe/voxprobe/pkg/audio"
	"github.com/voxprobe/voxprobe/pkg/bootstrap"
	"github.com/voxprobe/voxprobe/pkg/evaluate"
	"github.com/voxprobe/voxprobe/pkg/flow"
	"github.com/voxprobe/voxprobe/pkg/report"
	"github.com/voxprobe/voxprobe/pkg/runner"
	"github.com/voxprobe/voxprobe/pkg/synth"
	"github.com/voxprobe/voxprobe/pkg/transport"
)

const (
	defaultCacheDir    = "audio_steps"
	defaultResultsDir  = "test_results"
	defaultKeepResults = 50
	defaultRunTimeout  = 10 * time.Minute
)

type runConfig struct {
	BaseURL        string
	WebSocketURL   string
	AccessToken    string
	DeviceID       string
	ChannelID      string
	ConversationID string
	TestID         string
	Mode           string
	Scenario       string

	RulesPath    string
	StepsDir     string
	ManifestPath string
	CacheDir     string
	ResultsDir   string
	KeepResults  int

	RunTimeout        time.Duration
	ConnectTimeout    time.Duration
	ResponseTimeout   time.Duration
	InterStepDelay    time.Duration
	SettleDelay       time.Duration
	KeepAlive         time.Duration
	MaxRepeats        int
	ReconnectAttempts int

	OpenAIKey   string
	EvalModel   string
	SkipEval    bool
	GeminiKey   string
	SynthVoice  string
	DatabaseDSN string
	MetricsAddr string
	History     int
}

func parseRunConfig(args []string, getenv func(string) string) (runConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := runConfig{}
	fs := flag.NewFlagSet("voxprobe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.BaseURL, "base-url", strings.TrimSpace(getenv("VOXPROBE_BASE_URL")), "bot platform REST base URL (or VOXPROBE_BASE_URL)")
	fs.StringVar(&cfg.WebSocketURL, "ws-url", strings.TrimSpace(getenv("VOXPROBE_WS_URL")), "bot websocket URL (or VOXPROBE_WS_URL)")
	fs.StringVar(&cfg.ChannelID, "channel", "", "channel id of the bot under test")
	fs.StringVar(&cfg.ConversationID, "conversation", "", "recorded conversation id to replay (golden mode)")
	fs.StringVar(&cfg.TestID, "test-id", "", "identifier for this test run")
	fs.StringVar(&cfg.Mode, "mode", "voice", "outbound turn encoding: voice or text")
	fs.StringVar(&cfg.Scenario, "scenario", "", "scenario intent for scenario-graded runs")
	fs.StringVar(&cfg.RulesPath, "rules", "", "optional YAML flow-rule file")
	fs.StringVar(&cfg.StepsDir, "steps-dir", "", "directory of pre-recorded step audio (local mode)")
	fs.StringVar(&cfg.ManifestPath, "manifest", "", "step manifest file (utterances, one per step)")
	fs.StringVar(&cfg.CacheDir, "cache-dir", defaultCacheDir, "directory for downloaded or synthesized step audio")
	fs.StringVar(&cfg.ResultsDir, "results-dir", defaultResultsDir, "directory for JSON run reports")
	fs.IntVar(&cfg.KeepResults, "keep-results", defaultKeepResults, "result files to keep after pruning")
	fs.DurationVar(&cfg.RunTimeout, "timeout", defaultRunTimeout, "overall run deadline")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", 0, "websocket dial handshake timeout")
	fs.DurationVar(&cfg.ResponseTimeout, "response-timeout", 0, "per-step bot response timeout")
	fs.DurationVar(&cfg.InterStepDelay, "step-delay", 0, "pause between steps")
	fs.DurationVar(&cfg.SettleDelay, "settle-delay", 0, "drain window after a decisive reply")
	fs.DurationVar(&cfg.KeepAlive, "keepalive", 0, "keepalive ping interval")
	fs.IntVar(&cfg.MaxRepeats, "max-repeats", 2, "repeat budget per step")
	fs.IntVar(&cfg.ReconnectAttempts, "reconnect-attempts", 3, "reconnect attempts after connection loss")
	fs.StringVar(&cfg.EvalModel, "eval-model", "", "model used to grade the run")
	fs.BoolVar(&cfg.SkipEval, "no-eval", false, "skip LLM evaluation")
	fs.StringVar(&cfg.SynthVoice, "voice", "", "speech voice for synthesized steps")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address to expose Prometheus metrics (disabled when empty)")
	fs.IntVar(&cfg.History, "history", 0, "list the N most recent runs from the history database and exit")

	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}

	cfg.AccessToken = strings.TrimSpace(getenv("VOXPROBE_ACCESS_TOKEN"))
	cfg.DeviceID = strings.TrimSpace(getenv("VOXPROBE_DEVICE_ID"))
	cfg.OpenAIKey = strings.TrimSpace(getenv("OPENAI_API_KEY"))
	cfg.GeminiKey = strings.TrimSpace(getenv("GEMINI_API_KEY"))
	cfg.DatabaseDSN = strings.TrimSpace(getenv("VOXPROBE_DB_DSN"))

	if err := validateRunConfig(cfg); err != nil {
		return runConfig{}, err
	}
	return cfg, nil
}

func validateRunConfig(cfg runConfig) error {
	if cfg.History > 0 {
		if cfg.DatabaseDSN == "" {
			return errors.New("-history requires VOXPROBE_DB_DSN")
		}
		return nil
	}
	if cfg.WebSocketURL == "" {
		return errors.New("websocket URL is required (-ws-url or VOXPROBE_WS_URL)")
	}
	if cfg.ChannelID == "" {
		return errors.New("-channel is required")
	}
	if cfg.Mode != "voice" && cfg.Mode != "text" {
		return fmt.Errorf("invalid -mode %q: expected voice or text", cfg.Mode)
	}
	if cfg.ConversationID == "" && cfg.StepsDir == "" && cfg.ManifestPath == "" {
		return errors.New("one of -conversation, -steps-dir, or -manifest is required")
	}
	if cfg.ConversationID != "" && cfg.BaseURL == "" {
		return errors.New("-conversation requires -base-url (or VOXPROBE_BASE_URL)")
	}
	return nil
}

// loadSteps resolves the run's outbound turns from whichever source the
// config selects, and returns the golden transcript when one exists.
func loadSteps(ctx context.Context, cfg runConfig, client *bootstrap.Client, logger *slog.Logger) ([]runner.AudioStep, string, error) {
	switch {
	case cfg.ConversationID != "":
		conv, err := client.FetchConversation(ctx, cfg.ConversationID)
		if err != nil {
			return nil, "", err
		}
		source := audio.NewSource(cfg.CacheDir, logger)
		steps, err := source.FetchSteps(ctx, conv.Segments)
		if err != nil {
			return nil, "", err
		}
		return steps, conv.Transcript, nil

	case cfg.StepsDir != "":
		var utterances []string
		if cfg.ManifestPath != "" {
			var err error
			if utterances, err = audio.ReadManifest(cfg.ManifestPath); err != nil {
				return nil, "", err
			}
		}
		steps, err := audio.LoadDir(cfg.StepsDir, utterances, logger)
		return steps, "", err

	default:
		utterances, err := audio.ReadManifest(cfg.ManifestPath)
		if err != nil {
			return nil, "", err
		}
		if cfg.Mode == "text" {
			steps := make([]runner.AudioStep, len(utterances))
			for i, text := range utterances {
				steps[i] = runner.AudioStep{Index: i + 1, Utterance: text}
			}
			return steps, "", nil
		}
		if cfg.GeminiKey == "" {
			return nil, "", errors.New("synthesizing step audio requires GEMINI_API_KEY")
		}
		speaker, err := synth.NewClient(ctx, synth.Config{APIKey: cfg.GeminiKey, Voice: cfg.SynthVoice}, logger)
		if err != nil {
			return nil, "", err
		}
		if _, err := synth.Synthesize(ctx, speaker, synth.Config{Voice: cfg.SynthVoice}, utterances, cfg.CacheDir, logger); err != nil {
			return nil, "", err
		}
		steps, err := audio.LoadDir(cfg.CacheDir, utterances, logger)
		return steps, "", err
	}
}

func loadRules(cfg runConfig) ([]flow.Rule, flow.RepeatExhaustedPolicy, error) {
	if cfg.RulesPath == "" {
		return flow.DefaultRules(), flow.RepeatExhaustedAdvance, nil
	}
	return flow.LoadRules(cfg.RulesPath)
}

func gradeRun(ctx context.Context, cfg runConfig, golden string, result runner.Result, logger *slog.Logger) (*evaluate.Verdict, error) {
	if cfg.SkipEval || cfg.OpenAIKey == "" {
		return nil, nil
	}

	in := evaluate.Input{
		TestID:    cfg.TestID,
		ChannelID: cfg.ChannelID,
		Actual:    report.Dialogue(result),
	}
	switch {
	case golden != "":
		in.Kind = evaluate.KindGolden
		in.Golden = golden
	case cfg.Scenario != "":
		in.Kind = evaluate.KindScenario
		in.Scenario = cfg.Scenario
	default:
		in.Kind = evaluate.KindSynthetic
	}

	ev := evaluate.New(evaluate.Config{APIKey: cfg.OpenAIKey, Model: cfg.EvalModel}, logger)
	verdict, err := ev.Evaluate(ctx, in)
	if err != nil {
		return nil, err
	}
	return &verdict, nil
}

func runProbe(ctx context.Context, cfg runConfig, logger *slog.Logger) (exitCode int, err error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	client := bootstrap.New(bootstrap.Config{
		BaseURL:     cfg.BaseURL,
		AccessToken: cfg.AccessToken,
		DeviceID:    cfg.DeviceID,
		ChannelID:   cfg.ChannelID,
	}, logger)

	steps, golden, err := loadSteps(ctx, cfg, client, logger)
	if err != nil {
		return 1, err
	}
	logger.Info("steps loaded", "count", len(steps), "golden", golden != "")

	rules, policy, err := loadRules(cfg)
	if err != nil {
		return 1, err
	}

	session, err := client.CreateSession(ctx)
	if err != nil {
		return 1, err
	}

	trans := transport.New(transport.Session{
		WebSocketURL: cfg.WebSocketURL,
		Token:        session.Token,
		ChannelID:    cfg.ChannelID,
		Mode:         cfg.Mode,
	}, transport.Config{
		ConnectTimeout:       cfg.ConnectTimeout,
		KeepAliveInterval:    cfg.KeepAlive,
		MaxReconnectAttempts: cfg.ReconnectAttempts,
	}, logger)

	seq := runner.New(trans, runner.Config{
		Mode:                    cfg.Mode,
		ResponseTimeout:         cfg.ResponseTimeout,
		InterStepDelay:          cfg.InterStepDelay,
		SettleDelay:             cfg.SettleDelay,
		MaxRepeatRetriesPerStep: cfg.MaxRepeats,
		RepeatExhausted:         policy,
		Rules:                   rules,
	}, logger)

	result, err := seq.Run(ctx, steps)
	if err != nil {
		return 1, err
	}
	logger.Info("run finished", "run_id", result.RunID, "status", string(result.Status), "reason", result.Reason)

	verdict, err := gradeRun(ctx, cfg, golden, *result, logger)
	if err != nil {
		// The run itself is still worth recording.
		logger.Warn("evaluation failed", "error", err)
	}

	rep := report.Build(testID(cfg), cfg.ChannelID, cfg.Mode, *result, verdict)
	store := report.NewFileStore(cfg.ResultsDir, logger)
	if _, err := store.Save(rep); err != nil {
		return 1, err
	}
	if err := store.Prune(cfg.KeepResults); err != nil {
		logger.Warn("could not prune results", "error", err)
	}

	if cfg.DatabaseDSN != "" {
		if err := saveHistory(ctx, cfg.DatabaseDSN, rep); err != nil {
			logger.Warn("could not save run history", "error", err)
		}
	}

	if result.Status != runner.StatusCompleted {
		return 1, nil
	}
	if verdict != nil && !verdict.Passed() {
		logger.Info("run graded fail", "reason", verdict.FailureReason)
		return 1, nil
	}
	return 0, nil
}

func listHistory(ctx context.Context, cfg runConfig, out io.Writer) error {
	store, err := report.OpenStore(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.RecentRuns(ctx, cfg.History)
	if err != nil {
		return err
	}
	printRuns(out, runs)
	return nil
}

func printRuns(out io.Writer, runs []report.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs recorded")
		return
	}
	for _, r := range runs {
		verdict := r.Verdict
		if verdict == "" {
			verdict = "-"
		}
		fmt.Fprintf(out, "%s  %-10s  %-5s  %s  %s\n",
			r.StartedAt.Format(time.RFC3339), r.Status, verdict, r.RunID, r.TestID)
	}
}

func saveHistory(ctx context.Context, dsn string, rep report.Report) error {
	store, err := report.OpenStore(dsn)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.SaveReport(ctx, rep)
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}

func testID(cfg runConfig) string {
	if cfg.TestID != "" {
		return cfg.TestID
	}
	if cfg.ConversationID != "" {
		return cfg.ConversationID
	}
	return "local"
}

func main() {
	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "voxprobe: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseRunConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxprobe: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.History > 0 {
		if err := listHistory(ctx, cfg, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "voxprobe: %v\n", err)
			os.Exit(1)
		}
		return
	}

	code, err := runProbe(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxprobe: %v\n", err)
	}
	os.Exit(code)
}

// Package report persists run outcomes: a JSON file per run for local
// inspection and an optional PostgreSQL store for history.
package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/voxprobe/voxprobe/pkg/evaluate"
	"github.com/voxprobe/voxprobe/pkg/runner"
)

// Report is the complete record of one probe run.
type Report struct {
	RunID      string                   `json:"run_id"`
	TestID     string                   `json:"test_id"`
	ChannelID  string                   `json:"channel_id"`
	Mode       string                   `json:"mode"`
	Status     runner.Status            `json:"status"`
	Reason     string                   `json:"reason,omitempty"`
	StartedAt  time.Time                `json:"started_at"`
	DurationMS int64                    `json:"duration_ms"`
	Greeting   []runner.BotReply        `json:"greeting,omitempty"`
	Transcript []runner.TranscriptEntry `json:"transcript"`
	Warnings   []string                 `json:"warnings,omitempty"`
	Verdict    *evaluate.Verdict        `json:"verdict,omitempty"`
}

// Build assembles a Report from the run result and optional verdict.
func Build(testID, channelID, mode string, result runner.Result, verdict *evaluate.Verdict) Report {
	return Report{
		RunID:      result.RunID,
		TestID:     testID,
		ChannelID:  channelID,
		Mode:       mode,
		Status:     result.Status,
		Reason:     result.Reason,
		StartedAt:  result.StartedAt,
		DurationMS: result.Duration.Milliseconds(),
		Greeting:   result.Greeting,
		Transcript: result.Transcript,
		Warnings:   result.Warnings,
		Verdict:    verdict,
	}
}

// Dialogue renders the run as Agent/User lines, the shape the
// evaluation rubric and golden transcripts use.
func Dialogue(result runner.Result) string {
	var lines []string
	for _, reply := range result.Greeting {
		if reply.Text != "" {
			lines = append(lines, "Agent: "+reply.Text)
		}
	}
	for _, entry := range result.Transcript {
		if entry.Utterance != "" {
			lines = append(lines, "User: "+entry.Utterance)
		} else {
			lines = append(lines, fmt.Sprintf("User: [audio step %d]", entry.Step))
		}
		for _, reply := range entry.Replies {
			if reply.Text != "" {
				lines = append(lines, "Agent: "+reply.Text)
			}
		}
	}
	return strings.Join(lines, "\n")
}

// FileStore writes one JSON file per run into a results directory.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore builds a FileStore rooted at dir.
func NewFileStore(dir string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger}
}

// Save writes the report and returns its path.
func (s *FileStore) Save(r Report) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create results dir: %w", err)
	}

	name := fmt.Sprintf("result_%s_%s.json", sanitize(r.TestID), r.StartedAt.UTC().Format("20060102T150405"))
	path := filepath.Join(s.dir, name)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	s.logger.Info("report saved", "path", path, "status", string(r.Status))
	return path, nil
}

// Prune keeps the newest keep result files and removes the rest.
func (s *FileStore) Prune(keep int) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read results dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "result_") || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	if len(names) <= keep {
		return nil
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Warn("could not prune result", "file", name, "error", err)
		}
	}
	return nil
}

func sanitize(s string) string {
	if s == "" {
		return "run"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

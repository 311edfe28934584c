// Package audio acquires the ordered outbound turns for a run: it caches
// recorded user segments on disk, loads pre-synthesized step files, parses
// step manifests, and probes clip durations.
package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-audio/wav"

	"github.com/voxprobe/voxprobe/pkg/bootstrap"
	"github.com/voxprobe/voxprobe/pkg/runner"
)

// minUsableClip is the shortest clip most ASR frontends will accept;
// shorter payloads tend to be silently dropped by the bot.
const minUsableClip = time.Second

// Source downloads and caches step audio.
type Source struct {
	cacheDir string
	http     *http.Client
	logger   *slog.Logger
}

// NewSource builds a Source writing into cacheDir.
func NewSource(cacheDir string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		cacheDir: cacheDir,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// ClearCache removes previously downloaded step files so a rerun cannot
// replay stale audio.
func (s *Source) ClearCache() error {
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cache dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "step_") {
			continue
		}
		if err := os.Remove(filepath.Join(s.cacheDir, entry.Name())); err != nil {
			s.logger.Warn("could not remove cached step", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("cleared cached step audio", "files", removed)
	}
	return nil
}

// FetchSteps downloads every segment into the cache and returns the
// ordered, payload-loaded steps.
func (s *Source) FetchSteps(ctx context.Context, segments []bootstrap.AudioSegment) ([]runner.AudioStep, error) {
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if err := s.ClearCache(); err != nil {
		return nil, err
	}

	steps := make([]runner.AudioStep, 0, len(segments))
	for i, segment := range segments {
		index := i + 1
		path := filepath.Join(s.cacheDir, fmt.Sprintf("step_%d%s", index, extensionFor(segment.URL)))
		if err := s.download(ctx, segment.URL, path); err != nil {
			return nil, fmt.Errorf("step %d: %w", index, err)
		}
		step, err := loadStep(index, path, segment.Utterance, s.logger)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	s.logger.Info("step audio ready", "steps", len(steps))
	return steps, nil
}

func (s *Source) download(ctx context.Context, fileURL, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return fmt.Errorf("download request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download status %d", resp.StatusCode)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %q: %w", path, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	return nil
}

// LoadDir builds steps from pre-synthesized files in dir, ordered by
// filename, with utterances aligned positionally. Utterances may be
// shorter than the file list; missing entries stay blank.
func LoadDir(dir string, utterances []string, logger *slog.Logger) ([]runner.AudioStep, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read steps dir %q: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".wav", ".mp3", ".ogg":
			files = append(files, entry.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no audio files in %q", dir)
	}
	sort.Strings(files)

	steps := make([]runner.AudioStep, 0, len(files))
	for i, name := range files {
		utterance := ""
		if i < len(utterances) {
			utterance = utterances[i]
		}
		step, err := loadStep(i+1, filepath.Join(dir, name), utterance, logger)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func loadStep(index int, path, utterance string, logger *slog.Logger) (runner.AudioStep, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return runner.AudioStep{}, fmt.Errorf("read step %d: %w", index, err)
	}

	duration := ProbeDuration(path)
	if duration > 0 && duration < minUsableClip {
		logger.Warn("audio clip very short, ASR may ignore it", "step", index, "duration", duration)
	}

	return runner.AudioStep{
		Index:     index,
		Path:      path,
		Payload:   payload,
		Utterance: utterance,
		Duration:  duration,
	}, nil
}

// ProbeDuration reads the clip's playback length. Only WAV containers are
// probed; other formats report zero.
func ProbeDuration(path string) time.Duration {
	if strings.ToLower(filepath.Ext(path)) != ".wav" {
		return 0
	}
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	duration, err := decoder.Duration()
	if err != nil {
		return 0
	}
	return duration
}

var stepLine = regexp.MustCompile(`(?i)^step\s*\d+\s*:\s*(.+)$`)

// ParseManifest extracts ordered step utterances from a manifest. Lines
// shaped "step N: text" contribute their text; any other non-blank line
// is taken verbatim.
func ParseManifest(raw string) []string {
	var steps []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := stepLine.FindStringSubmatch(line); m != nil {
			steps = append(steps, strings.TrimSpace(m[1]))
			continue
		}
		steps = append(steps, line)
	}
	return steps
}

// ReadManifest loads and parses a manifest file.
func ReadManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %q: %w", path, err)
	}
	return ParseManifest(string(data)), nil
}

func extensionFor(fileURL string) string {
	ext := filepath.Ext(strings.SplitN(fileURL, "?", 2)[0])
	if ext == "" {
		return ".mp3"
	}
	return ext
}

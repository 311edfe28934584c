// Package synth generates step audio from text using Gemini's speech
// models, for runs that start from a written scenario rather than a
// recorded call.
package synth

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sethvargo/go-retry"
	"google.golang.org/genai"
)

// Config selects the speech model and voice.
type Config struct {
	APIKey     string
	Model      string
	Voice      string
	SampleRate int
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "gemini-2.5-flash-preview-tts"
	}
	if c.Voice == "" {
		c.Voice = "Kore"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 24000
	}
	return c
}

// Speaker turns one utterance into raw PCM16 audio.
type Speaker interface {
	Speak(ctx context.Context, text string) ([]byte, error)
}

// Client is the Gemini-backed Speaker.
type Client struct {
	cfg    Config
	genai  *genai.Client
	logger *slog.Logger
}

// NewClient dials the Gemini API.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &Client{cfg: cfg, genai: client, logger: logger}, nil
}

// Speak synthesizes text to raw little-endian PCM16 at the configured
// sample rate. Transient failures get one retry.
func (c *Client) Speak(ctx context.Context, text string) ([]byte, error) {
	speechCfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: c.cfg.Voice},
			},
		},
	}

	var pcm []byte
	err := retry.Do(ctx, retry.WithMaxRetries(1, retry.NewConstant(time.Second)), func(ctx context.Context) error {
		resp, err := c.genai.Models.GenerateContent(ctx, c.cfg.Model, genai.Text(text), speechCfg)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("generate speech: %w", err))
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
			return retry.RetryableError(fmt.Errorf("speech response has no candidates"))
		}
		part := resp.Candidates[0].Content.Parts[0]
		if part.InlineData == nil || len(part.InlineData.Data) == 0 {
			return retry.RetryableError(fmt.Errorf("speech response carries no audio"))
		}
		pcm = part.InlineData.Data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pcm, nil
}

// Synthesize renders every step utterance into outDir as step_N.wav,
// returning the paths in order.
func Synthesize(ctx context.Context, speaker Speaker, cfg Config, texts []string, outDir string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	paths := make([]string, 0, len(texts))
	for i, text := range texts {
		pcm, err := speaker.Speak(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		path := filepath.Join(outDir, fmt.Sprintf("step_%d.wav", i+1))
		if err := WriteWAV(path, pcm, cfg.SampleRate); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		logger.Info("synthesized step", "step", i+1, "path", path, "bytes", len(pcm))
		paths = append(paths, path)
	}
	return paths, nil
}

// WriteWAV wraps raw PCM16 mono samples in a WAV container.
func WriteWAV(path string, pcm []byte, sampleRate int) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %q: %w", path, err)
	}
	defer out.Close()

	enc := wav.NewEncoder(out, sampleRate, 16, 1, 1)
	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           pcmToInts(pcm),
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode %q: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize %q: %w", path, err)
	}
	return nil
}

func pcmToInts(pcm []byte) []int {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return samples
}

package synth

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSpeaker struct {
	calls int
	fail  bool
}

func (f *fakeSpeaker) Speak(ctx context.Context, text string) ([]byte, error) {
	f.calls++
	if f.fail {
		return nil, fmt.Errorf("synthesis backend down")
	}
	// Half a second of silence at 24kHz.
	pcm := make([]byte, 24000)
	binary.LittleEndian.PutUint16(pcm, uint16(int16(1200)))
	return pcm, nil
}

func TestSynthesize_WritesOrderedWavFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	speaker := &fakeSpeaker{}
	paths, err := Synthesize(context.Background(), speaker, Config{}, []string{"hello", "book a table", "goodbye"}, dir, testLogger())
	if err != nil {
		t.Fatalf("Synthesize error: %v", err)
	}

	if len(paths) != 3 {
		t.Fatalf("paths=%d, want 3", len(paths))
	}
	if speaker.calls != 3 {
		t.Fatalf("calls=%d, want 3", speaker.calls)
	}
	for i, path := range paths {
		if filepath.Base(path) != fmt.Sprintf("step_%d.wav", i+1) {
			t.Errorf("paths[%d]=%s", i, path)
		}
		f, err := os.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		decoder := wav.NewDecoder(f)
		if !decoder.IsValidFile() {
			t.Errorf("%s is not a valid wav file", path)
		}
		f.Close()
	}
}

func TestSynthesize_SpeakerFailure(t *testing.T) {
	t.Parallel()

	_, err := Synthesize(context.Background(), &fakeSpeaker{fail: true}, Config{}, []string{"hello"}, t.TempDir(), testLogger())
	if err == nil {
		t.Fatal("expected synthesis error")
	}
}

func TestWriteWAV_RoundTrip(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 48000) // one second at 24kHz mono PCM16
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := WriteWAV(path, pcm, 24000); err != nil {
		t.Fatalf("WriteWAV error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	duration, err := decoder.Duration()
	if err != nil {
		t.Fatalf("Duration error: %v", err)
	}
	if duration < 900*time.Millisecond || duration > 1100*time.Millisecond {
		t.Fatalf("duration=%v, want ~1s", duration)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	if cfg.Model == "" || cfg.Voice == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.SampleRate != 24000 {
		t.Fatalf("sample rate=%d, want 24000", cfg.SampleRate)
	}
}

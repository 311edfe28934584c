package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxprobe/voxprobe/pkg/bootstrap"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wavBytes builds a minimal PCM16 mono WAV clip of the given length.
func wavBytes(t *testing.T, sampleRate int, duration time.Duration) []byte {
	t.Helper()

	samples := int(float64(sampleRate) * duration.Seconds())
	dataLen := samples * 2

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(make([]byte, dataLen))
	return buf.Bytes()
}

func writeWAV(t *testing.T, path string, duration time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, wavBytes(t, 8000, duration), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestProbeDuration(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.wav")
	writeWAV(t, path, 2*time.Second)

	got := ProbeDuration(path)
	if got < 1900*time.Millisecond || got > 2100*time.Millisecond {
		t.Fatalf("duration=%v, want ~2s", got)
	}
}

func TestProbeDuration_NonWav(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp3")
	if err := os.WriteFile(path, []byte("not really audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := ProbeDuration(path); got != 0 {
		t.Fatalf("duration=%v, want 0 for non-wav", got)
	}
}

func TestFetchSteps_DownloadsAndOrders(t *testing.T) {
	t.Parallel()

	clip := wavBytes(t, 8000, 1500*time.Millisecond)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(clip)
	}))
	defer server.Close()

	dir := t.TempDir()
	src := NewSource(dir, testLogger())

	segments := []bootstrap.AudioSegment{
		{Utterance: "book a table", URL: server.URL + "/segment_1.wav"},
		{Utterance: "for two people", URL: server.URL + "/segment_2.wav"},
	}
	steps, err := src.FetchSteps(context.Background(), segments)
	if err != nil {
		t.Fatalf("FetchSteps error: %v", err)
	}

	if len(steps) != 2 {
		t.Fatalf("steps=%d, want 2", len(steps))
	}
	for i, step := range steps {
		if step.Index != i+1 {
			t.Errorf("step[%d].Index=%d", i, step.Index)
		}
		if !bytes.Equal(step.Payload, clip) {
			t.Errorf("step[%d] payload mismatch", i)
		}
		if step.Duration == 0 {
			t.Errorf("step[%d] duration not probed", i)
		}
	}
	if steps[0].Utterance != "book a table" || steps[1].Utterance != "for two people" {
		t.Fatalf("utterances misaligned: %q %q", steps[0].Utterance, steps[1].Utterance)
	}
}

func TestFetchSteps_ClearsStaleCache(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	stale := filepath.Join(dir, "step_9.wav")
	if err := os.WriteFile(stale, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(wavBytes(t, 8000, time.Second))
	}))
	defer server.Close()

	src := NewSource(dir, testLogger())
	_, err := src.FetchSteps(context.Background(), []bootstrap.AudioSegment{
		{Utterance: "hello", URL: server.URL + "/segment_1.wav"},
	})
	if err != nil {
		t.Fatalf("FetchSteps error: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale cached step survived a fresh fetch")
	}
}

func TestFetchSteps_DownloadFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	src := NewSource(t.TempDir(), testLogger())
	_, err := src.FetchSteps(context.Background(), []bootstrap.AudioSegment{
		{Utterance: "hello", URL: server.URL + "/segment_1.wav"},
	})
	if err == nil {
		t.Fatal("expected download error")
	}
}

func TestLoadDir_OrdersByName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeWAV(t, filepath.Join(dir, "step_2.wav"), time.Second)
	writeWAV(t, filepath.Join(dir, "step_1.wav"), time.Second)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatal(err)
	}

	steps, err := LoadDir(dir, []string{"first", "second"}, testLogger())
	if err != nil {
		t.Fatalf("LoadDir error: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps=%d, want 2 (non-audio ignored)", len(steps))
	}
	if filepath.Base(steps[0].Path) != "step_1.wav" {
		t.Fatalf("steps[0]=%s, want step_1.wav", steps[0].Path)
	}
	if steps[0].Utterance != "first" || steps[1].Utterance != "second" {
		t.Fatalf("utterances misaligned: %q %q", steps[0].Utterance, steps[1].Utterance)
	}
}

func TestLoadDir_Empty(t *testing.T) {
	t.Parallel()

	if _, err := LoadDir(t.TempDir(), nil, testLogger()); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestParseManifest(t *testing.T) {
	t.Parallel()

	raw := "step 1: I want to book a table\n\nStep 2 : For tomorrow evening\njust a bare line\n   \nstep 3: Thanks, goodbye"
	got := ParseManifest(raw)
	want := []string{"I want to book a table", "For tomorrow evening", "just a bare line", "Thanks, goodbye"}
	if len(got) != len(want) {
		t.Fatalf("steps=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("steps[%d]=%q, want %q", i, got[i], want[i])
		}
	}
}

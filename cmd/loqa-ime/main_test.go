package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-ime/internal/audio"
)

func TestTranscribePrintsCommittedText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speech.wav")
	if err := audio.WriteWAV(path, audio.Format{SampleRate: 16000, Channels: 1}, make([]float32, 16000)); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	var stdout, stderr bytes.Buffer
	if err := runTranscribe([]string{"-engine", "mock", path}, &stdout, &stderr); err != nil {
		t.Fatalf("transcribe: %v (stderr: %s)", err, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "[final transcript chunks=2 audio=1s]") {
		t.Fatalf("unexpected output %q", stdout.String())
	}
}

func TestTranscribeMissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := runTranscribe([]string{filepath.Join(t.TempDir(), "nope.wav")}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "DeviceUnavailable") {
		t.Fatalf("expected DeviceUnavailable, got %v", err)
	}
}

func TestTranscribeNeedsOneFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := runTranscribe(nil, &stdout, &stderr); err == nil {
		t.Fatal("expected usage error")
	}
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-ime.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  mode: mock\nsession:\n  chunk_duration_ms: 320\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var stdout bytes.Buffer
	if err := runValidate([]string{"-config", path}, &stdout); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(stdout.String(), "chunk=5120 samples") {
		t.Fatalf("unexpected output %q", stdout.String())
	}
}

func TestTranscribeLivePrintsSubtitles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speech.wav")
	samples := make([]float32, 32000)
	for i := range samples {
		samples[i] = 0.2
	}
	if err := audio.WriteWAV(path, audio.Format{SampleRate: 16000, Channels: 1}, samples); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	var stdout, stderr bytes.Buffer
	if err := runTranscribe([]string{"-engine", "mock", "-live", path}, &stdout, &stderr); err != nil {
		t.Fatalf("transcribe: %v (stderr: %s)", err, stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected one subtitle per window, got %q", stdout.String())
	}
	if !strings.HasPrefix(lines[0], "[partial transcript chunks=1") || strings.Contains(stdout.String(), "final") {
		t.Fatalf("unexpected subtitles %q", stdout.String())
	}
}

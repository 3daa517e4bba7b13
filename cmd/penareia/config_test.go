package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validConfig = `[VIDEO]
SOURCE = 0
BUFFER_SECONDS = 30
SAVE_SECONDS = 15

[WEBHOOK]
URL = https://example.com/hook

[BACKBLAZE_B2]
KEY_ID = 0051234abcd
APPLICATION_KEY = K005secret
BUCKET_NAME = penareia

[SERVER]
HOST = 0.0.0.0
PORT = 5000
DEBUG = false

[VIDEO_ENCODING]
CODEC = libx264
AUDIO_CODEC = aac
PRESET = ultrafast
CRF = 23
PIXEL_FORMAT = yuv420p
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Video.Source != "0" {
		t.Errorf("unexpected source %q", config.Video.Source)
	}
	if config.Video.ForceFPS != 24 {
		t.Errorf("expected default FPS 24, got %d", config.Video.ForceFPS)
	}
	if config.Video.MaxWidth != 1280 || config.Video.MaxHeight != 720 {
		t.Errorf("expected default 1280x720, got %dx%d", config.Video.MaxWidth, config.Video.MaxHeight)
	}
	if config.Server.Port != 5000 {
		t.Errorf("unexpected port %d", config.Server.Port)
	}
	if config.DataDir == "" || config.LogDir == "" {
		t.Error("derived paths should be set")
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "save exceeds buffer",
			mutate:  func(s string) string { return strings.Replace(s, "SAVE_SECONDS = 15", "SAVE_SECONDS = 60", 1) },
			wantErr: "SAVE_SECONDS",
		},
		{
			name:    "port out of range",
			mutate:  func(s string) string { return strings.Replace(s, "PORT = 5000", "PORT = 70000", 1) },
			wantErr: "PORT",
		},
		{
			name:    "crf out of range",
			mutate:  func(s string) string { return strings.Replace(s, "CRF = 23", "CRF = 99", 1) },
			wantErr: "CRF",
		},
		{
			name:    "placeholder credentials",
			mutate:  func(s string) string { return strings.Replace(s, "KEY_ID = 0051234abcd", "KEY_ID = your_key_id_here", 1) },
			wantErr: "KEY_ID",
		},
		{
			name:    "missing webhook",
			mutate:  func(s string) string { return strings.Replace(s, "URL = https://example.com/hook", "", 1) },
			wantErr: "WEBHOOK.URL",
		},
		{
			name:    "missing source",
			mutate:  func(s string) string { return strings.Replace(s, "SOURCE = 0", "", 1) },
			wantErr: "SOURCE",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.mutate(validConfig)))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestEncodingDefaults(t *testing.T) {
	trimmed := validConfig
	for _, line := range []string{"CODEC = libx264\n", "AUDIO_CODEC = aac\n", "PRESET = ultrafast\n", "CRF = 23\n", "PIXEL_FORMAT = yuv420p\n"} {
		trimmed = strings.Replace(trimmed, line, "", 1)
	}
	config, err := LoadConfig(writeConfig(t, trimmed))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Encoding.Codec != "libx264" || config.Encoding.AudioCodec != "aac" {
		t.Errorf("unexpected codec defaults %q/%q", config.Encoding.Codec, config.Encoding.AudioCodec)
	}
	if config.Encoding.Preset != "ultrafast" || config.Encoding.PixelFormat != "yuv420p" {
		t.Errorf("unexpected encode defaults %q/%q", config.Encoding.Preset, config.Encoding.PixelFormat)
	}
	if config.Encoding.CRF != 23 {
		t.Errorf("missing CRF should default to 23, got %d", config.Encoding.CRF)
	}
}

func TestExplicitZeroCRFKept(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, strings.Replace(validConfig, "CRF = 23", "CRF = 0", 1)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Encoding.CRF != 0 {
		t.Errorf("explicit CRF 0 should survive, got %d", config.Encoding.CRF)
	}
}

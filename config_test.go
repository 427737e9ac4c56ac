package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func baseReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		ID:            "rx0",
		SPS:           2048000,
		Frequency:     0,
		Signal:        SignalReal,
		FFTSize:       16384,
		AudioSPS:      12000,
		WaterfallSize: 1024,
		InputFormat:   FormatS16,
		Defaults:      ReceiverDefaults{Modulation: "USB"},
	}
}

func baseConfig(rc ReceiverConfig) *Config {
	return &Config{
		Limits:           defaultLimits(),
		Receivers:        []ReceiverConfig{rc},
		ActiveReceiverID: rc.ID,
	}
}

func TestRuntimeDerivationReal(t *testing.T) {
	rc := baseReceiverConfig()
	cfg := baseConfig(rc)
	rt, err := rc.Runtime(cfg)
	if err != nil {
		t.Fatalf("Runtime failed: %v", err)
	}

	if rt.FFTResultSize != 8192 {
		t.Errorf("fft_result_size: got %d, want 8192", rt.FFTResultSize)
	}
	if rt.TotalBandwidth != 1024000 {
		t.Errorf("total_bandwidth: got %d, want 1024000", rt.TotalBandwidth)
	}
	if rt.Basefreq != 0 {
		t.Errorf("basefreq: got %d, want 0", rt.Basefreq)
	}
	// 8192 -> 4096 -> 2048 -> 1024 are all >= 1024
	if rt.DownsampleLevels != 4 {
		t.Errorf("downsample_levels: got %d, want 4", rt.DownsampleLevels)
	}
	// ceil(12000*16384/2048000/4)*4 = 96
	if rt.AudioMaxFFTSize != 96 {
		t.Errorf("audio_max_fft_size: got %d, want 96", rt.AudioMaxFFTSize)
	}
}

func TestRuntimeDerivationIQ(t *testing.T) {
	rc := baseReceiverConfig()
	rc.Signal = SignalIQ
	rc.Frequency = 14200000
	rc.SPS = 96000
	rc.FFTSize = 8192
	rc.AudioSPS = 12000
	cfg := baseConfig(rc)
	rt, err := rc.Runtime(cfg)
	if err != nil {
		t.Fatalf("Runtime failed: %v", err)
	}

	if rt.FFTResultSize != 8192 {
		t.Errorf("fft_result_size: got %d, want 8192", rt.FFTResultSize)
	}
	if rt.Basefreq != 14200000-48000 {
		t.Errorf("basefreq: got %d, want %d", rt.Basefreq, 14200000-48000)
	}
	if rt.TotalBandwidth != 96000 {
		t.Errorf("total_bandwidth: got %d, want 96000", rt.TotalBandwidth)
	}
}

func TestRuntimeInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ReceiverConfig)
		want   string
	}{
		{"non power of two fft", func(rc *ReceiverConfig) { rc.FFTSize = 10000 }, "power of two"},
		{"zero sps", func(rc *ReceiverConfig) { rc.SPS = 0 }, "sps"},
		{"audio sps above bandwidth", func(rc *ReceiverConfig) { rc.AudioSPS = 2000000 }, "audio_sps"},
		{"audio sps above 48k", func(rc *ReceiverConfig) { rc.SPS = 100000000; rc.AudioSPS = 96000 }, "48000"},
		{"waterfall wider than result", func(rc *ReceiverConfig) { rc.WaterfallSize = 65536 }, "waterfall_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := baseReceiverConfig()
			tt.mutate(&rc)
			cfg := baseConfig(rc)
			if _, err := rc.Runtime(cfg); err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.want)
			} else if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateDuplicateReceiver(t *testing.T) {
	rc := baseReceiverConfig()
	cfg := &Config{
		Limits:           defaultLimits(),
		Receivers:        []ReceiverConfig{rc, rc},
		ActiveReceiverID: rc.ID,
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected duplicate receiver error, got %v", err)
	}
}

func TestValidateActiveReceiverRequired(t *testing.T) {
	rc1 := baseReceiverConfig()
	rc2 := baseReceiverConfig()
	rc2.ID = "rx1"
	cfg := &Config{
		Limits:    defaultLimits(),
		Receivers: []ReceiverConfig{rc1, rc2},
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "active_receiver_id") {
		t.Errorf("expected active_receiver_id error, got %v", err)
	}
}

func TestDefaultWindowUSB(t *testing.T) {
	rc := baseReceiverConfig()
	cfg := baseConfig(rc)
	rt, err := rc.Runtime(cfg)
	if err != nil {
		t.Fatalf("Runtime failed: %v", err)
	}
	if rt.DefaultL > int32(rt.DefaultM) || int32(rt.DefaultM) > rt.DefaultR {
		t.Errorf("default window does not bracket m: l=%d m=%f r=%d", rt.DefaultL, rt.DefaultM, rt.DefaultR)
	}
	if int(rt.DefaultR-rt.DefaultL) > rt.AudioMaxFFTSize {
		t.Errorf("default window wider than audio_max_fft_size: %d > %d", rt.DefaultR-rt.DefaultL, rt.AudioMaxFFTSize)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	yaml := `
server:
  port: 9100
receivers:
  - id: main
    sps: 2048000
    frequency: 0
    signal: real
    fft_size: 16384
    audio_sps: 12000
    input_format: s16
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port: got %d, want 9100", cfg.Server.Port)
	}
	if cfg.ActiveReceiverID != "main" {
		t.Errorf("single receiver should become active, got %q", cfg.ActiveReceiverID)
	}
	if cfg.Limits.QueueSize != 8 {
		t.Errorf("queue size default: got %d, want 8", cfg.Limits.QueueSize)
	}
	if cfg.Receivers[0].Name != "main" {
		t.Errorf("receiver name should default to id, got %q", cfg.Receivers[0].Name)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

package main

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the global server configuration, loaded from a single YAML
// file. Fields unmarshal with zero values for anything unset, then
// LoadConfig fills in defaults and Validate checks the static invariants.
type Config struct {
	Server           ServerConfig     `yaml:"server"`
	WebSDR           WebSDRConfig     `yaml:"websdr"`
	Limits           LimitsConfig     `yaml:"limits"`
	Prometheus       PrometheusConfig `yaml:"prometheus"`
	MQTT             MQTTConfig       `yaml:"mqtt"`
	Receivers        []ReceiverConfig `yaml:"receivers"`
	ActiveReceiverID string           `yaml:"active_receiver_id"`
}

// ServerConfig holds the HTTP/WS listener settings.
type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	OtherUsers int    `yaml:"otherusers"` // >0 enables the signal-changes broadcast to event subscribers
}

// WebSDRConfig is cosmetic/identity metadata surfaced in BasicInfo/server-info.json.
type WebSDRConfig struct {
	Name              string `yaml:"name"`
	GridLocator       string `yaml:"grid_locator"`
	Markers           string `yaml:"markers"` // raw JSON blob, passed through verbatim
	CallsignLookupURL string `yaml:"callsign_lookup_url"`
}

// LimitsConfig bounds concurrency across the WS surface.
type LimitsConfig struct {
	Audio     int `yaml:"audio"`
	Waterfall int `yaml:"waterfall"`
	Events    int `yaml:"events"`
	WSPerIP   int `yaml:"ws_per_ip"`
	QueueSize int `yaml:"queue_size"` // per-client outbound queue depth
}

// PrometheusConfig controls the /metrics endpoint.
type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MQTTConfig is the optional external activity publisher: the same summary
// JSON broadcast on /events, pushed to a broker topic.
type MQTTConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Broker           string        `yaml:"broker"`
	Topic            string        `yaml:"topic"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	PublishPeriodSec int           `yaml:"publish_period_sec"`
	TLS              MQTTTLSConfig `yaml:"tls"`
}

// MQTTTLSConfig holds optional TLS material for the broker connection.
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// SignalType is the receiver's input kind.
type SignalType string

const (
	SignalReal SignalType = "real"
	SignalIQ   SignalType = "iq"
)

// SampleFormat enumerates the recognised sample wire formats.
type SampleFormat string

const (
	FormatU8   SampleFormat = "u8"
	FormatS8   SampleFormat = "s8"
	FormatU16  SampleFormat = "u16"
	FormatS16  SampleFormat = "s16"
	FormatCS16 SampleFormat = "cs16"
	FormatF32  SampleFormat = "f32"
	FormatCF32 SampleFormat = "cf32"
	FormatF64  SampleFormat = "f64"
)

// AcceleratorKind selects the FFT backend.
type AcceleratorKind string

const (
	AcceleratorNone AcceleratorKind = "none"
	AcceleratorGPU  AcceleratorKind = "gpu"
)

// ReceiverConfig is one tuner's static configuration plus its sample input driver.
type ReceiverConfig struct {
	ID                  string           `yaml:"id"`
	Name                string           `yaml:"name"`
	SPS                 int64            `yaml:"sps"`
	Frequency           int64            `yaml:"frequency"`
	Signal              SignalType       `yaml:"signal"`
	FFTSize             int              `yaml:"fft_size"`
	BrightnessOffset    int32            `yaml:"brightness_offset"`
	AudioSPS            int64            `yaml:"audio_sps"`
	WaterfallSize       int              `yaml:"waterfall_size"`
	SMeterOffset        int32            `yaml:"smeter_offset"`
	Accelerator         AcceleratorKind  `yaml:"accelerator"`
	AcceleratorRequired bool             `yaml:"accelerator_required"` // fail startup instead of CPU fallback
	InputFormat         SampleFormat     `yaml:"input_format"`
	InputPath           string           `yaml:"input_path"` // "-" or empty means stdin
	Defaults            ReceiverDefaults `yaml:"defaults"`
}

// ReceiverDefaults seeds a newly connected client's passband.
type ReceiverDefaults struct {
	Frequency      int64  `yaml:"frequency"` // -1 means "centre of band"
	Modulation     string `yaml:"modulation"`
	SSBLowcutHz    *int64 `yaml:"ssb_lowcut_hz"`
	SSBHighcutHz   *int64 `yaml:"ssb_highcut_hz"`
	SquelchEnabled bool   `yaml:"squelch_enabled"`
}

func defaultLimits() LimitsConfig {
	return LimitsConfig{Audio: 1000, Waterfall: 1000, Events: 1000, WSPerIP: 50, QueueSize: 8}
}

// LoadConfig reads and validates the server configuration from filename.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{Limits: defaultLimits()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9002
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "[::]"
	}
	if cfg.Limits.Audio == 0 {
		cfg.Limits.Audio = 1000
	}
	if cfg.Limits.Waterfall == 0 {
		cfg.Limits.Waterfall = 1000
	}
	if cfg.Limits.Events == 0 {
		cfg.Limits.Events = 1000
	}
	if cfg.Limits.WSPerIP == 0 {
		cfg.Limits.WSPerIP = 50
	}
	if cfg.Limits.QueueSize == 0 {
		cfg.Limits.QueueSize = 8
	}
	if cfg.WebSDR.GridLocator == "" {
		cfg.WebSDR.GridLocator = "-"
	}
	if cfg.WebSDR.Name == "" {
		cfg.WebSDR.Name = "NovaSDR-Go"
	}

	for i := range cfg.Receivers {
		r := &cfg.Receivers[i]
		if r.FFTSize == 0 {
			r.FFTSize = 131072
		}
		if r.AudioSPS == 0 {
			r.AudioSPS = 12000
		}
		if r.WaterfallSize == 0 {
			r.WaterfallSize = 1024
		}
		if strings.TrimSpace(r.Name) == "" {
			r.Name = r.ID
		}
		if r.Defaults.Modulation == "" {
			r.Defaults.Modulation = "USB"
		}
		if r.Accelerator == "" {
			r.Accelerator = AcceleratorNone
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the static configuration invariants. Failures here are
// ConfigInvariant errors and are fatal at startup.
func (c *Config) Validate() error {
	if len(c.Receivers) == 0 {
		return fmt.Errorf("ConfigInvariant: at least one receiver must be configured")
	}
	ids := make(map[string]bool, len(c.Receivers))
	for _, r := range c.Receivers {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return fmt.Errorf("ConfigInvariant: receivers[].id must not be empty")
		}
		if ids[id] {
			return fmt.Errorf("ConfigInvariant: duplicate receiver id %q", id)
		}
		ids[id] = true
		if _, err := r.Runtime(c); err != nil {
			return fmt.Errorf("ConfigInvariant: receiver %q: %w", id, err)
		}
	}
	if c.ActiveReceiverID == "" {
		if len(c.Receivers) == 1 {
			c.ActiveReceiverID = c.Receivers[0].ID
		} else {
			return fmt.Errorf("ConfigInvariant: active_receiver_id is required when multiple receivers are configured")
		}
	}
	if !ids[c.ActiveReceiverID] {
		return fmt.Errorf("ConfigInvariant: active_receiver_id %q not found in receivers", c.ActiveReceiverID)
	}
	return nil
}

// Receiver looks up a receiver config by id.
func (c *Config) Receiver(id string) (*ReceiverConfig, bool) {
	for i := range c.Receivers {
		if c.Receivers[i].ID == id {
			return &c.Receivers[i], true
		}
	}
	return nil, false
}

// Runtime holds every value derived from a ReceiverConfig at startup. It
// is computed once and is immutable thereafter.
type Runtime struct {
	SPS              int64
	FFTSize          int
	FFTResultSize    int
	IsReal           bool
	Basefreq         int64
	TotalBandwidth   int64
	DownsampleLevels int
	AudioMaxSPS      int64
	AudioMaxFFTSize  int
	MinWaterfallFFT  int
	BrightnessOffset int32
	ShowOtherUsers   bool

	DefaultFrequency int64
	DefaultM         float64
	DefaultL         int32
	DefaultR         int32
	DefaultModeStr   string
}

// Runtime derives the Runtime for this receiver: fft_size must be a power
// of two, 0 < audio_max_sps <= min(sps[/2], 48000), and at least one
// waterfall pyramid level must fit.
func (r *ReceiverConfig) Runtime(cfg *Config) (*Runtime, error) {
	sps := r.SPS
	if sps <= 0 {
		return nil, fmt.Errorf("sps must be > 0")
	}
	fftSize := r.FFTSize
	if fftSize <= 0 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("fft_size must be a power of two, got %d", fftSize)
	}

	isReal := r.Signal != SignalIQ
	var fftResultSize int
	var basefreq, totalBandwidth int64
	if isReal {
		fftResultSize = fftSize / 2
		basefreq = r.Frequency
		totalBandwidth = sps / 2
	} else {
		fftResultSize = fftSize
		basefreq = r.Frequency - sps/2
		totalBandwidth = sps
	}

	minWaterfallFFT := r.WaterfallSize
	if minWaterfallFFT <= 0 {
		minWaterfallFFT = 1024
	}
	downsampleLevels := 0
	cur := fftResultSize
	for cur >= minWaterfallFFT {
		downsampleLevels++
		cur /= 2
	}
	if downsampleLevels < 1 {
		return nil, fmt.Errorf("waterfall_size %d too large for fft_result_size %d", minWaterfallFFT, fftResultSize)
	}

	audioMaxSPS := r.AudioSPS
	if audioMaxSPS <= 0 {
		return nil, fmt.Errorf("audio_sps must be > 0")
	}
	maxAudioSPS := sps
	if isReal {
		maxAudioSPS = sps / 2
	}
	if audioMaxSPS > maxAudioSPS {
		return nil, fmt.Errorf("audio_sps must be <= receiver input bandwidth (%d Hz)", maxAudioSPS)
	}
	if audioMaxSPS > 48000 {
		return nil, fmt.Errorf("audio_sps must be <= 48000 Hz")
	}

	audioMaxFFTSize := int(math.Ceil(float64(audioMaxSPS)*float64(fftSize)/float64(sps)/4.0)) * 4
	if audioMaxFFTSize < 32 {
		audioMaxFFTSize = 32
	}

	showOtherUsers := cfg.Server.OtherUsers > 0

	defaultFrequency := r.Defaults.Frequency
	if defaultFrequency == 0 {
		defaultFrequency = -1
	}
	if defaultFrequency == -1 {
		defaultFrequency = basefreq + totalBandwidth/2
	}

	var defaultM float64
	if isReal {
		defaultM = float64(defaultFrequency-basefreq) * float64(fftResultSize) * 2.0 / float64(sps)
	} else {
		defaultM = float64(defaultFrequency-basefreq) * float64(fftResultSize) / float64(sps)
	}

	offsets3 := int64(3000) * int64(fftResultSize) / sps
	offsets5 := int64(5000) * int64(fftResultSize) / sps
	offsets96 := int64(96000) * int64(fftResultSize) / sps

	ssbLowcutHz := int64(300)
	if r.Defaults.SSBLowcutHz != nil {
		ssbLowcutHz = *r.Defaults.SSBLowcutHz
	}
	ssbHighcutHz := int64(3000)
	if r.Defaults.SSBHighcutHz != nil {
		ssbHighcutHz = *r.Defaults.SSBHighcutHz
	}
	if ssbLowcutHz < 0 {
		return nil, fmt.Errorf("ssb_lowcut_hz must be >= 0")
	}
	if ssbHighcutHz <= ssbLowcutHz {
		return nil, fmt.Errorf("ssb_highcut_hz must be > ssb_lowcut_hz")
	}
	offsetsSSBLow := ssbLowcutHz * int64(fftResultSize) / sps
	offsetsSSBHigh := ssbHighcutHz * int64(fftResultSize) / sps

	modeStr := strings.ToUpper(r.Defaults.Modulation)
	var defaultL, defaultR int64
	switch modeStr {
	case "LSB":
		defaultL = int64(defaultM) - offsetsSSBHigh
		defaultR = int64(defaultM) - offsetsSSBLow
	case "AM", "SAM", "FM", "FMC":
		defaultL = int64(defaultM) - offsets5
		defaultR = int64(defaultM) + offsets5
	case "WBFM":
		defaultL = int64(defaultM) - offsets96
		defaultR = int64(defaultM) + offsets96
	case "USB":
		defaultL = int64(defaultM) + offsetsSSBLow
		defaultR = int64(defaultM) + offsetsSSBHigh
	default:
		defaultL = int64(defaultM)
		defaultR = int64(defaultM) + offsets3
	}

	defaultM = clampF(defaultM, 0, float64(fftResultSize))
	defaultL = clampI(defaultL, 0, int64(fftResultSize))
	defaultR = clampI(defaultR, 0, int64(fftResultSize))

	maxWindow := int64(audioMaxFFTSize)
	if maxWindow > int64(fftResultSize) {
		maxWindow = int64(fftResultSize)
	}
	if maxWindow > 0 && defaultR-defaultL > maxWindow {
		center := int64(math.Round(defaultM))
		half := maxWindow / 2
		defaultL = clampI(center-half, 0, int64(fftResultSize)-maxWindow)
		defaultR = defaultL + maxWindow
	}

	return &Runtime{
		SPS:              sps,
		FFTSize:          fftSize,
		FFTResultSize:    fftResultSize,
		IsReal:           isReal,
		Basefreq:         basefreq,
		TotalBandwidth:   totalBandwidth,
		DownsampleLevels: downsampleLevels,
		AudioMaxSPS:      audioMaxSPS,
		AudioMaxFFTSize:  audioMaxFFTSize,
		MinWaterfallFFT:  minWaterfallFFT,
		BrightnessOffset: r.BrightnessOffset,
		ShowOtherUsers:   showOtherUsers,
		DefaultFrequency: defaultFrequency,
		DefaultM:         defaultM,
		DefaultL:         int32(defaultL),
		DefaultR:         int32(defaultR),
		DefaultModeStr:   modeStr,
	}, nil
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

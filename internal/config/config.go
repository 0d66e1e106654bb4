// Package config loads the structured YAML configuration described in
// spec section 6, with CLI flag overrides layered on top.
package config

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type AudioConfig struct {
	SampleRate        int     `yaml:"sample_rate"`
	Channels          int     `yaml:"channels"`
	Blocksize         int     `yaml:"blocksize"`
	RingBufferSeconds int     `yaml:"ring_buffer_seconds"`
	CaptureDropReportS float64 `yaml:"capture_drop_report_s"`
}

type VADConfig struct {
	Aggressiveness    int     `yaml:"aggressiveness"`
	FrameDurationMs   int     `yaml:"frame_duration_ms"`
	EnergyThreshold   float64 `yaml:"energy_threshold"`
	SilenceTimeoutMs  int     `yaml:"silence_timeout_ms"`
	SpeechOnsetFrames int     `yaml:"speech_onset_frames"`
	BargeInEnabled    bool    `yaml:"barge_in_enabled"`
	BargeInFrames     int     `yaml:"barge_in_frames"`
	BargeInGraceS     float64 `yaml:"barge_in_grace_s"`
	FollowUpGraceS    float64 `yaml:"follow_up_grace_s"`
	ListeningTimeoutS float64 `yaml:"listening_timeout_s"`
	MaxUtteranceS     float64 `yaml:"max_utterance_s"`
}

type EarconConfig struct {
	Frequency float64 `yaml:"frequency"`
	DurationS float64 `yaml:"duration_s"`
	Volume    float64 `yaml:"volume"`
}

type WakeConfig struct {
	ModelName string  `yaml:"model_name"`
	Threshold float64 `yaml:"threshold"`
}

type STTConfig struct {
	ModelSize        string  `yaml:"model_size"`
	Device           string  `yaml:"device"`
	ComputeType      string  `yaml:"compute_type"`
	Language         string  `yaml:"language"`
	NoSpeechThreshold float64 `yaml:"no_speech_threshold"`
	LogprobThreshold  float64 `yaml:"logprob_threshold"`
}

type LLMConfig struct {
	Model          string  `yaml:"model"`
	APIBase        string  `yaml:"api_base"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	WebSearch      bool    `yaml:"web_search"`
	WarmupEnabled  bool    `yaml:"warmup_enabled"`
	TimeoutS       float64 `yaml:"timeout_s"`
	MaxRetries     int     `yaml:"max_retries"`
	RetryBaseDelayS float64 `yaml:"retry_base_delay_s"`
}

type TTSConfig struct {
	Engine          string                       `yaml:"engine"`
	DefaultLanguage string                       `yaml:"default_language"`
	Voices          map[string]map[string]string `yaml:"voices"`
	SentenceSilence float64                      `yaml:"sentence_silence"`
}

type ConversationConfig struct {
	MaxTurns         int     `yaml:"max_turns"`
	MaxTokensBudget  int     `yaml:"max_tokens_budget"`
	FollowUpWindowS  float64 `yaml:"follow_up_window_s"`
}

type ServerSideConfig struct {
	Host                 string  `yaml:"host"`
	Port                 int     `yaml:"port"`
	ReconnectMinS        float64 `yaml:"reconnect_min_s"`
	ReconnectMaxS        float64 `yaml:"reconnect_max_s"`
	OfflineSendBufferSize int    `yaml:"offline_send_buffer_size"`
	OfflineSendTTLS      float64 `yaml:"offline_send_ttl_s"`
}

type ProtocolConfig struct {
	AudioMismatchRejectRatio float64 `yaml:"audio_mismatch_reject_ratio"`
}

type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	File          string `yaml:"file"`
	FlushInterval int    `yaml:"flush_interval"`
	LogTranscripts bool  `yaml:"log_transcripts"`
	LogLLMText    bool   `yaml:"log_llm_text"`
}

// Config is the top-level structured configuration, grouped exactly as
// described in the wire protocol's configuration section.
type Config struct {
	Audio        AudioConfig        `yaml:"audio"`
	VAD          VADConfig          `yaml:"vad"`
	Earcon       EarconConfig       `yaml:"earcon"`
	Wake         WakeConfig         `yaml:"wake"`
	STT          STTConfig          `yaml:"stt"`
	LLM          LLMConfig          `yaml:"llm"`
	TTS          TTSConfig          `yaml:"tts"`
	Conversation ConversationConfig `yaml:"conversation"`
	Server       ServerSideConfig   `yaml:"server"`
	Protocol     ProtocolConfig     `yaml:"protocol"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// Default returns a Config populated with every documented default value.
func Default() Config {
	return Config{
		Audio: AudioConfig{
			SampleRate:         16000,
			Channels:           1,
			Blocksize:          1280,
			RingBufferSeconds:  30,
			CaptureDropReportS: 5.0,
		},
		VAD: VADConfig{
			Aggressiveness:    2,
			FrameDurationMs:   20,
			EnergyThreshold:   300,
			SilenceTimeoutMs:  800,
			SpeechOnsetFrames: 3,
			BargeInEnabled:    false,
			BargeInFrames:     8,
			BargeInGraceS:     1.0,
			FollowUpGraceS:    0.3,
			ListeningTimeoutS: 8.0,
			MaxUtteranceS:     30.0,
		},
		Earcon: EarconConfig{Volume: 0.3},
		Wake:   WakeConfig{},
		STT: STTConfig{
			NoSpeechThreshold: 0.6,
			LogprobThreshold:  -1.0,
		},
		LLM: LLMConfig{
			WarmupEnabled:   true,
			TimeoutS:        30,
			MaxRetries:      2,
			RetryBaseDelayS: 0.25,
		},
		TTS: TTSConfig{
			DefaultLanguage: "en",
			SentenceSilence: 0.2,
			Voices:          map[string]map[string]string{},
		},
		Conversation: ConversationConfig{
			FollowUpWindowS: 7.0,
		},
		Server: ServerSideConfig{
			ReconnectMinS:         1.0,
			ReconnectMaxS:         30.0,
			OfflineSendBufferSize: 200,
			OfflineSendTTLS:       5.0,
		},
		Protocol: ProtocolConfig{
			AudioMismatchRejectRatio: 0.2,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			File:          "metrics.jsonl",
			FlushInterval: 10,
		},
	}
}

// Load reads a YAML config file into a Config seeded with defaults. An
// empty path is not an error — the defaults are returned unmodified.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Flags holds the values of the shared CLI flags (spec §6). RegisterFlags
// binds them to a FlagSet; ApplyOverrides layers them over a loaded
// Config after Parse.
type Flags struct {
	ConfigPath string
	Host       string
	Port       int
	Server     string
}

// RegisterFlags wires the CLI surface common to both binaries onto fs.
func RegisterFlags(fs *flag.FlagSet, clientOnly bool) *Flags {
	f := &Flags{}
	fs.StringVar(&f.ConfigPath, "config", "", "path to YAML config file")
	fs.StringVar(&f.Host, "host", "", "override server host/bind address")
	fs.IntVar(&f.Port, "port", 0, "override server port")
	if clientOnly {
		fs.StringVar(&f.Server, "server", "", "server WebSocket URL (client only)")
	}
	return f
}

// ApplyOverrides layers non-zero flag values onto cfg.
func (f *Flags) ApplyOverrides(cfg *Config) {
	if f.Host != "" {
		cfg.Server.Host = f.Host
	}
	if f.Port != 0 {
		cfg.Server.Port = f.Port
	}
}

// Command server runs the processing-server half of the voice
// assistant: it accepts WebSocket connections, upgrades each to a
// serverpipeline.Handler, and drives STT -> LLM -> TTS for every
// connected client.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/joho/godotenv"

	"github.com/andi-zehan/voice-assistant/internal/config"
	"github.com/andi-zehan/voice-assistant/internal/llm"
	"github.com/andi-zehan/voice-assistant/internal/logging"
	"github.com/andi-zehan/voice-assistant/internal/metrics"
	"github.com/andi-zehan/voice-assistant/internal/serverpipeline"
	"github.com/andi-zehan/voice-assistant/internal/session"
	"github.com/andi-zehan/voice-assistant/internal/stt"
	"github.com/andi-zehan/voice-assistant/internal/tts"
	"github.com/andi-zehan/voice-assistant/internal/wire"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: no .env file found, using system environment variables")
	}

	fs := flag.NewFlagSet("server", flag.ExitOnError)
	flags := config.RegisterFlags(fs, false)
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	flags.ApplyOverrides(&cfg)
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8765
	}

	logger := logging.NewStd(*debug)
	metricsLogger := metrics.New(metrics.Config{
		Enabled:        cfg.Metrics.Enabled,
		File:           cfg.Metrics.File,
		FlushInterval:  cfg.Metrics.FlushInterval,
		LogTranscripts: cfg.Metrics.LogTranscripts,
		LogLLMText:     cfg.Metrics.LogLLMText,
	})
	defer metricsLogger.Flush()

	sttClient := stt.NewClient(stt.Config{
		BaseURL:  envOr("STT_BASE_URL", "https://api.groq.com/openai/v1"),
		APIKey:   os.Getenv("STT_API_KEY"),
		Model:    envOr("STT_MODEL", "whisper-large-v3-turbo"),
		Language: cfg.STT.Language,
	})

	llmClient := llm.NewClient(llm.Config{
		BaseURL:        envOr("LLM_BASE_URL", "https://openrouter.ai/api/v1"),
		APIKey:         os.Getenv("LLM_API_KEY"),
		Model:          cfg.LLM.Model,
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    cfg.LLM.Temperature,
		WebSearch:      cfg.LLM.WebSearch,
		WarmupEnabled:  cfg.LLM.WarmupEnabled,
		Timeout:        time.Duration(cfg.LLM.TimeoutS * float64(time.Second)),
		MaxRetries:     cfg.LLM.MaxRetries,
		RetryBaseDelay: time.Duration(cfg.LLM.RetryBaseDelayS * float64(time.Second)),
	})

	synth := buildSynthesizer(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			logger.Warn("websocket accept failed", "err", err)
			return
		}
		wsConn := &wire.Conn{WS: conn}
		defer wsConn.Close()

		handler := serverpipeline.New(serverpipeline.Config{
			AudioMismatchRejectRatio: cfg.Protocol.AudioMismatchRejectRatio,
			NoSpeechThreshold:        cfg.STT.NoSpeechThreshold,
			LogprobThreshold:         cfg.STT.LogprobThreshold,
			DefaultLanguage:          cfg.TTS.DefaultLanguage,
			DrainTimeout:             30 * time.Second,
		}, serverpipeline.Deps{
			Conn:    wsConn,
			STT:     sttClient,
			LLM:     llmClient,
			TTS:     synth,
			Session: session.New(cfg.Conversation.MaxTurns, cfg.Conversation.MaxTokensBudget),
			Metrics: metricsLogger,
			Logger:  logger,
		})

		logger.Info("client connected", "remote", r.RemoteAddr)
		handler.Run(r.Context())
		logger.Info("client disconnected", "remote", r.RemoteAddr)
	})

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// buildSynthesizer builds a single tts.Synthesizer whose VoiceSet holds
// one WSEngine per configured language voice, or one default-language
// engine when none are configured. A language without a voice uses the
// default language's voice; no fallback Synthesizer is chained, so a
// missing default voice is an error.
func buildSynthesizer(cfg config.Config) *tts.Synthesizer {
	voices := tts.VoiceSet{}
	for lang, voiceCfg := range cfg.TTS.Voices {
		voices[lang] = tts.NewWSEngine(tts.WSEngineConfig{
			Name:       "tts-" + lang,
			URL:        voiceCfg["url"],
			APIKey:     os.Getenv("TTS_API_KEY"),
			Voice:      voiceCfg["voice"],
			SampleRate: 22050,
		})
	}
	if len(voices) == 0 {
		lang := cfg.TTS.DefaultLanguage
		if lang == "" {
			lang = "en"
		}
		voices[lang] = tts.NewWSEngine(tts.WSEngineConfig{
			Name:   "tts-" + lang,
			URL:    envOr("TTS_URL", "wss://localhost:9000/ws"),
			APIKey: os.Getenv("TTS_API_KEY"),
			Voice:  "default",
		})
	}

	return tts.NewSynthesizer(tts.Config{
		Voices:          voices,
		DefaultLanguage: cfg.TTS.DefaultLanguage,
		SentenceSilence: cfg.TTS.SentenceSilence,
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

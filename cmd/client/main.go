// Command client runs the edge half of the voice assistant: it owns
// the microphone/speaker device, runs wake-word and VAD detection, and
// drives the PASSIVE/LISTENING/WAITING/SPEAKING/FOLLOW_UP state machine
// against a reconnecting WebSocket link to the processing server.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/joho/godotenv"

	"github.com/andi-zehan/voice-assistant/internal/audioio"
	"github.com/andi-zehan/voice-assistant/internal/clientconn"
	"github.com/andi-zehan/voice-assistant/internal/clientfsm"
	"github.com/andi-zehan/voice-assistant/internal/config"
	"github.com/andi-zehan/voice-assistant/internal/logging"
	"github.com/andi-zehan/voice-assistant/internal/player"
	"github.com/andi-zehan/voice-assistant/internal/vad"
	"github.com/andi-zehan/voice-assistant/internal/wake"
	"github.com/andi-zehan/voice-assistant/internal/wire"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: no .env file found, using system environment variables")
	}

	fs := flag.NewFlagSet("client", flag.ExitOnError)
	flags := config.RegisterFlags(fs, true)
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	flags.ApplyOverrides(&cfg)
	serverURL := flags.Server
	if serverURL == "" {
		serverURL = envOr("VOICE_SERVER_URL", "ws://localhost:8765/ws")
	}

	logger := logging.NewStd(*debug)

	device, err := audioio.New(audioio.Config{
		SampleRate:         cfg.Audio.SampleRate,
		CaptureChannels:    cfg.Audio.Channels,
		FrameQueueCapacity: 200,
		RingBufferSeconds:  cfg.Audio.RingBufferSeconds,
		RestartMinInterval: time.Second,
		Logger:             logger,
	})
	if err != nil {
		log.Fatalf("audio device: %v", err)
	}
	defer device.Close()

	conn := clientconn.New(clientconn.Config{
		URL:              serverURL,
		Dial:             dialWebSocket,
		ReconnectMinS:    cfg.Server.ReconnectMinS,
		ReconnectMaxS:    cfg.Server.ReconnectMaxS,
		OutboxCapacity:   cfg.Server.OfflineSendBufferSize,
		OutboxTTLSeconds: cfg.Server.OfflineSendTTLS,
		Logger:           logger,
	})
	conn.Start()
	defer conn.Stop()

	wakeDetector := wake.NewThresholdDetector(wake.NewEnergyScorer(0), cfg.Wake.Threshold)
	subFrameSize := cfg.Audio.SampleRate * cfg.VAD.FrameDurationMs / 1000
	if subFrameSize <= 0 {
		subFrameSize = cfg.Audio.Blocksize
	}
	vadDetector := vad.NewDetector(
		vad.RMSClassifier{Threshold: cfg.VAD.EnergyThreshold},
		cfg.Audio.SampleRate,
		subFrameSize,
		cfg.VAD.EnergyThreshold,
	)
	utteranceDetector := vad.NewUtteranceDetector(cfg.VAD.SilenceTimeoutMs, cfg.VAD.SpeechOnsetFrames)
	chunkPlayer := player.New(device, logger)

	machine := clientfsm.New(clientfsm.Config{
		SampleRate:         cfg.Audio.SampleRate,
		BargeInEnabled:     cfg.VAD.BargeInEnabled,
		BargeInFrames:      cfg.VAD.BargeInFrames,
		BargeInGraceS:      cfg.VAD.BargeInGraceS,
		FollowUpGraceS:     cfg.VAD.FollowUpGraceS,
		SpeechOnsetFrames:  cfg.VAD.SpeechOnsetFrames,
		ListeningTimeoutS:  cfg.VAD.ListeningTimeoutS,
		MaxUtteranceS:      cfg.VAD.MaxUtteranceS,
		FollowUpWindowS:    cfg.Conversation.FollowUpWindowS,
		EarconVolume:       cfg.Earcon.Volume,
		CaptureDropReportS: cfg.Audio.CaptureDropReportS,
		ReconnectDelayS:    cfg.Server.ReconnectMinS,
	}, clientfsm.Deps{
		Capture:     device,
		Earcon:      device,
		VAD:         vadDetector,
		Utterance:   utteranceDetector,
		WakeDet:     wakeDetector,
		Conn:        conn,
		ChunkPlayer: chunkPlayer,
		Logger:      logger,
	})

	go machine.Run()
	defer machine.Stop()

	logger.Info("client running", "server", serverURL)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
}

// dialWebSocket is the production clientconn.Dialer: it opens a
// coder/websocket connection and wraps it in a wire.Conn.
func dialWebSocket(ctx context.Context, url string) (*wire.Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wire.Conn{WS: ws}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/voiceagent/internal/cleanup"
	"github.com/aixgo-dev/voiceagent/internal/llm/provider"
	tracing "github.com/aixgo-dev/voiceagent/internal/observability"
	"github.com/aixgo-dev/voiceagent/internal/persona"
	"github.com/aixgo-dev/voiceagent/internal/relay"
	"github.com/aixgo-dev/voiceagent/internal/server"
	"github.com/aixgo-dev/voiceagent/internal/stt"
	"github.com/aixgo-dev/voiceagent/internal/tts"
	"github.com/aixgo-dev/voiceagent/internal/voice"
	"github.com/aixgo-dev/voiceagent/pkg/config"
	"github.com/aixgo-dev/voiceagent/pkg/observability"
	"github.com/aixgo-dev/voiceagent/pkg/security"
	"github.com/aixgo-dev/voiceagent/pkg/session"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	configFile string
	port       int
	logLevel   string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.configFile, "config", getEnv("CONFIG_FILE", ""), "YAML configuration file")
	cmd.Flags().IntVar(&opts.port, "port", getEnvInt("PORT", 0), "HTTP port (overrides the config file)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level (debug enables verbose provider logging)")
	return cmd
}

// loadConfig reads the config file when one is given, else the defaults
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

// app holds everything built from the configuration
type app struct {
	cfg     *config.Config
	voice   *voice.Service
	agent   *persona.Agent
	relay   *relay.Relay
	health  *observability.HealthChecker
	history session.Store
}

func runServe(ctx context.Context, opts *serveOptions) error {
	setLogLevel(opts.logLevel)

	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return err
	}
	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("Starting voiceagent v%s", Version)

	if err := tracing.InitFromEnv(); err != nil {
		log.Printf("[server] tracing disabled: %v", err)
	}
	observability.InitMetrics()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(a.history)

	srvOpts := []server.Option{
		server.WithVersion(Version),
		server.WithMaxBodySize(cfg.Server.MaxUploadBytes),
		server.WithHealthChecker(a.health),
		server.WithDebug(cfg.Server.Debug),
	}
	if cfg.RateLimit.Enabled {
		limiter := security.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		if err := limiter.TrustProxies(cfg.RateLimit.TrustedProxies...); err != nil {
			return err
		}
		srvOpts = append(srvOpts, server.WithRateLimiter(limiter))
	}
	srv := server.New(a.voice, a.agent, a.relay, srvOpts...)

	var janitor *cleanup.Janitor
	if cfg.Cleanup.Enabled {
		janitor = cleanup.New(cfg.Server.UploadDir, cfg.Cleanup.MaxAge)
		if err := janitor.Start(cfg.Cleanup.Schedule); err != nil {
			return err
		}
	}

	errChan := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-errChan:
		log.Printf("Error: %v", runErr)
	case <-quit:
		log.Println("Shutting down voiceagent...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if janitor != nil {
		janitor.Stop(shutdownCtx)
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Printf("Tracing shutdown error: %v", err)
	}

	log.Println("voiceagent stopped")
	return runErr
}

// buildApp wires the vendor clients, stores and services. Vendors without
// credentials are left nil and their routes report not configured.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	history, err := session.NewStore(ctx, cfg.History)
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}

	health := observability.NewHealthChecker(Version)
	health.RegisterCheck(observability.PingCheck())
	if p, ok := history.(session.Pinger); ok {
		health.RegisterCheck(observability.StoreCheck(p.Ping))
	}

	var (
		synth      tts.Synthesizer
		ttsStream  tts.Streamer
		transcribe stt.Transcriber
		sttStream  stt.Streamer
	)

	if cfg.Murf.APIKey != "" {
		synth = tts.NewClient(cfg.Murf.APIKey,
			tts.WithBaseURL(cfg.Murf.BaseURL),
			tts.WithTimeout(cfg.Murf.Timeout),
			tts.WithVoice(cfg.Murf.VoiceID, cfg.Murf.Format),
		)
		ttsStream = tts.NewStreamDialer(cfg.Murf.APIKey,
			tts.WithStreamURL(cfg.Murf.StreamURL),
			tts.WithSampleRate(cfg.Murf.SampleRate),
			tts.WithStreamVoice(cfg.Murf.StreamVoiceID, cfg.Murf.StreamStyle),
		)
		log.Printf("[server] text-to-speech configured (key %s)", security.MaskSecret(cfg.Murf.APIKey))
	} else {
		log.Printf("[server] MURF_API_KEY not set, text-to-speech disabled")
	}
	health.RegisterCheck(observability.ExternalServiceCheck("murf", configured("MURF_API_KEY", cfg.Murf.APIKey)))

	if cfg.AssemblyAI.APIKey != "" {
		transcribe = stt.NewClient(cfg.AssemblyAI.APIKey,
			stt.WithBaseURL(cfg.AssemblyAI.BaseURL),
			stt.WithPollInterval(cfg.AssemblyAI.PollInterval),
			stt.WithTimeout(cfg.AssemblyAI.Timeout),
		)
		sttStream = stt.NewStreamDialer(cfg.AssemblyAI.APIKey, stt.WithStreamingHost(cfg.AssemblyAI.StreamingHost))
		log.Printf("[server] speech-to-text configured (key %s)", security.MaskSecret(cfg.AssemblyAI.APIKey))
	} else {
		log.Printf("[server] ASSEMBLYAI_API_KEY not set, transcription disabled")
	}
	health.RegisterCheck(observability.ExternalServiceCheck("assemblyai", configured("ASSEMBLYAI_API_KEY", cfg.AssemblyAI.APIKey)))

	llm, llmErr := buildLLM(cfg.LLM)
	if llmErr != nil {
		log.Printf("[server] language model disabled: %v", llmErr)
		health.RegisterCheck(observability.ExternalServiceCheck("llm", func(context.Context) error { return llmErr }))
	} else if p, ok := llm.(provider.Pinger); ok {
		health.RegisterCheck(observability.ExternalServiceCheck("llm", p.Ping))
	}

	svc := voice.New(voice.Config{
		UploadDir:     cfg.Server.UploadDir,
		MaxTextLength: cfg.Server.MaxTextLength,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
	}, voice.Deps{
		Synthesizer: synth,
		Transcriber: transcribe,
		LLM:         llm,
		History:     history,
	})

	agent := buildAgent(cfg.Agent, synth)

	var rl *relay.Relay
	if sttStream != nil {
		rl = relay.New(relay.Config{
			Params: stt.StreamParams{
				SampleRate:                       cfg.AssemblyAI.SampleRate,
				FormatTurns:                      cfg.AssemblyAI.FormatTurns,
				EndOfTurnConfidenceThreshold:     cfg.AssemblyAI.EndOfTurnConfidenceThreshold,
				MinEndOfTurnSilenceWhenConfident: cfg.AssemblyAI.MinEndOfTurnSilenceWhenConfident,
				MaxTurnSilence:                   cfg.AssemblyAI.MaxTurnSilence,
			},
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		}, relay.Deps{STT: sttStream, TTS: ttsStream, LLM: llm, History: history})
	}

	return &app{cfg: cfg, voice: svc, agent: agent, relay: rl, health: health, history: history}, nil
}

// buildLLM creates the configured provider through the registry and wraps
// it with tracing and metrics. A nil provider is never returned with a nil
// error.
func buildLLM(cfg config.LLMConfig) (provider.Provider, error) {
	opts := map[string]any{
		"api_key":     cfg.APIKey,
		"model":       cfg.Model,
		"base_url":    cfg.BaseURL,
		"region":      cfg.Region,
		"max_retries": cfg.MaxRetries,
	}
	if cfg.Provider == "gemini" && cfg.APIKey == "" {
		opts["project_id"] = os.Getenv("GOOGLE_CLOUD_PROJECT")
		opts["location"] = os.Getenv("GOOGLE_CLOUD_LOCATION")
	}

	p, err := provider.New(cfg.Provider, opts)
	if err != nil {
		return nil, err
	}
	log.Printf("[server] language model: %s/%s", cfg.Provider, cfg.Model)
	return provider.Instrument(p), nil
}

func buildAgent(cfg config.AgentConfig, synth tts.Synthesizer) *persona.Agent {
	opts := []persona.Option{
		persona.WithAPIKeys(cfg.TavilyKey, cfg.WeatherKey),
		persona.WithDefaultPersona(cfg.DefaultPersona),
	}
	if cfg.TavilyURL != "" {
		opts = append(opts, persona.WithSearchURL(cfg.TavilyURL))
	}
	if cfg.WeatherURL != "" {
		opts = append(opts, persona.WithWeatherURL(cfg.WeatherURL))
	}
	return persona.NewAgent(synth, opts...)
}

// configured reports a missing vendor key as a degraded check
func configured(name, key string) func(context.Context) error {
	return func(context.Context) error {
		if key == "" {
			return fmt.Errorf("%s not set", name)
		}
		return nil
	}
}

func closeStore(s session.Store) {
	if c, ok := s.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("[history] close failed: %v", err)
		}
	}
}

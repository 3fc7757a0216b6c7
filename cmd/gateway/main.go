// Command gateway is the entry point for the voice assistant gateway: it
// loads configuration, wires provider implementations, and serves the
// device WebSocket channel and HTTP bootstrap/health endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/embedded-voice/gateway/internal/config"
	"github.com/embedded-voice/gateway/internal/gateway"
	"github.com/embedded-voice/gateway/internal/health"
	"github.com/embedded-voice/gateway/internal/mcp"
	"github.com/embedded-voice/gateway/internal/mcp/mcphost"
	"github.com/embedded-voice/gateway/internal/observe"
	"github.com/embedded-voice/gateway/internal/resilience"
	"github.com/embedded-voice/gateway/internal/session"
	"github.com/embedded-voice/gateway/pkg/memory"
	"github.com/embedded-voice/gateway/pkg/memory/mock"
	"github.com/embedded-voice/gateway/pkg/memory/postgres"
	"github.com/embedded-voice/gateway/pkg/provider/llm"
	"github.com/embedded-voice/gateway/pkg/provider/llm/anyllm"
	"github.com/embedded-voice/gateway/pkg/provider/llm/openai"
	"github.com/embedded-voice/gateway/pkg/provider/stt"
	"github.com/embedded-voice/gateway/pkg/provider/stt/deepgram"
	"github.com/embedded-voice/gateway/pkg/provider/stt/whisper"
	"github.com/embedded-voice/gateway/pkg/provider/tts"
	"github.com/embedded-voice/gateway/pkg/provider/tts/coqui"
	"github.com/embedded-voice/gateway/pkg/provider/tts/elevenlabs"
	"github.com/embedded-voice/gateway/pkg/provider/vad"
	vadmock "github.com/embedded-voice/gateway/pkg/provider/vad/mock"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "gateway: config file %q not found — create one to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("gateway starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"log_level", cfg.Server.LogLevel,
	)

	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{ServiceVersion: "dev"})
	if err != nil {
		slog.Error("failed to init observability provider", "err", err)
		return 1
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("observability shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	wrapProvidersWithResilience(providers)

	mcpHost, err := buildMCPHost(ctx, cfg)
	if err != nil {
		slog.Error("failed to wire mcp servers", "err", err)
		return 1
	}
	defer func() {
		if mcpHost != nil {
			_ = mcpHost.Close()
		}
	}()

	privateConfig := gateway.NewPrivateConfigResolver()
	for _, dc := range cfg.Devices {
		privateConfig.Register(dc.DeviceID, gateway.DeviceOverride{SystemPrompt: dc.SystemPrompt})
	}

	promptManager, err := gateway.NewPromptManager(cfg.Server.Prompt)
	if err != nil {
		slog.Error("failed to build prompt manager", "err", err)
		return 1
	}

	// mcpHost is typed *mcphost.Host; boxing a nil pointer straight into the
	// mcp.Host interface field would produce a non-nil interface holding a
	// nil concrete value, breaking every "MCPHost != nil" check downstream.
	var mcpHostDep mcp.Host
	if mcpHost != nil {
		mcpHostDep = mcpHost
	}

	srv := gateway.NewServer(gateway.ServerDeps{
		VAD:            providers.vad,
		ASR:            providers.asr,
		LLM:            providers.llm,
		TTS:            providers.tts,
		MCPHost:        mcpHostDep,
		Store:          providers.store,
		Auth:           gateway.SharedKeyAuth{Key: cfg.Server.AuthKey},
		SystemPrompt:   cfg.Server.Prompt,
		ExitCommands:   cfg.Server.ExitCommands,
		Wakeup:         gateway.WakeupConfig{Phrases: cfg.Server.WakeupPhrases},
		DefaultListen:  gateway.ListenAuto,
		VADConfig:      vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0.5, SilenceThreshold: 0.35},
		ASRConfig:      stt.StreamConfig{SampleRate: 16000, Channels: 1},
		BudgetTier:     cfg.Server.BudgetTier.Int(),
		NoVoiceTimeout: cfg.Server.CloseConnectionNoVoiceTime,
		PrivateConfig:  privateConfig,
		PromptManager:  promptManager,
		Logger:         logger,
	})

	channelPort, err := portOf(cfg.Server.ListenAddr)
	if err != nil {
		slog.Error("invalid server.listen_addr", "err", err)
		return 1
	}
	channelURL := gateway.ChannelURLFor("ws", cfg.Server.PublicHost, channelPort, cfg.Server.WSPathPrefix)

	bootstrap := &gateway.BootstrapHandler{
		ChannelURL: channelURL,
		Logger:     logger,
	}

	healthHandler := health.New(health.Checker{
		Name: "connections",
		Check: func(context.Context) error {
			return nil
		},
	})

	pathPrefix := cfg.Server.WSPathPrefix
	if pathPrefix == "" {
		pathPrefix = "/"
	}
	channelMux := http.NewServeMux()
	channelMux.Handle(pathPrefix, srv)

	httpMux := http.NewServeMux()
	httpMux.Handle("/xiaozhi/ota/", bootstrap)
	httpMux.Handle("/xiaozhi/ota", bootstrap)
	httpMux.Handle("/metrics", promhttp.Handler())
	healthHandler.Register(httpMux)

	channelServer := &http.Server{Addr: cfg.Server.ListenAddr, Handler: channelMux}
	httpServer := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: observe.Middleware(observe.DefaultMetrics())(httpMux)}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("channel server listening", "addr", cfg.Server.ListenAddr, "path", pathPrefix)
		if err := channelServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("channel server: %w", err)
		}
	}()
	go func() {
		slog.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-errCh:
		slog.Error("server error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var shutdownErr error
	if err := channelServer.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if shutdownErr != nil {
		slog.Error("shutdown error", "err", shutdownErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ──────────────────────────────────────────────────────

// registerBuiltinProviders registers every provider factory this binary
// ships with. A name configured but not registered here is skipped with a
// warning at construction time rather than treated as fatal, since a device
// may still connect to stages bound later through the private config
// resolver.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		return openai.New(e.APIKey, e.Model)
	})
	reg.RegisterLLM("anthropic", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewAnthropic(e.Model)
	})
	reg.RegisterLLM("ollama", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewOllama(e.Model)
	})
	reg.RegisterLLM("anyllm", func(e config.ProviderEntry) (llm.Provider, error) {
		backend, _ := e.Options["backend"].(string)
		if backend == "" {
			backend = "openai"
		}
		return anyllm.New(backend, e.Model)
	})

	reg.RegisterASR("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		return deepgram.New(e.APIKey, deepgram.WithModel(e.Model))
	})
	reg.RegisterASR("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		return whisper.New(e.BaseURL, whisper.WithModel(e.Model))
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		return elevenlabs.New(e.APIKey, elevenlabs.WithModel(e.Model))
	})
	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		return coqui.New(e.BaseURL)
	})

	reg.RegisterVAD("mock", func(e config.ProviderEntry) (vad.Engine, error) {
		return &vadmock.Engine{}, nil
	})

	reg.RegisterMemory("postgres", func(e config.ProviderEntry) (memory.SessionStore, error) {
		dims := cfg.Memory.EmbeddingDimensions
		if dims == 0 {
			dims = 1536
		}
		store, err := postgres.NewStore(context.Background(), cfg.Memory.PostgresDSN, dims)
		if err != nil {
			return nil, err
		}
		return store.L1(), nil
	})
	reg.RegisterMemory("mock", func(e config.ProviderEntry) (memory.SessionStore, error) {
		return &mock.SessionStore{}, nil
	})
}

type builtProviders struct {
	vad   vad.Engine
	asr   stt.Provider
	llm   llm.Provider
	tts   tts.Provider
	store memory.SessionStore
}

// buildProviders instantiates every provider named in cfg.Providers, soft-
// skipping any name not registered since a gateway may run a reduced
// pipeline (e.g. ASR-only bootstrap before TTS is configured).
func buildProviders(cfg *config.Config, reg *config.Registry) (*builtProviders, error) {
	out := &builtProviders{}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if err := skipIfUnregistered(err, "vad", name); err != nil {
			return nil, err
		} else if p != nil {
			out.vad = p
		}
	}
	if name := cfg.Providers.ASR.Name; name != "" {
		p, err := reg.CreateASR(cfg.Providers.ASR)
		if err := skipIfUnregistered(err, "asr", name); err != nil {
			return nil, err
		} else if p != nil {
			out.asr = p
		}
	}
	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err := skipIfUnregistered(err, "llm", name); err != nil {
			return nil, err
		} else if p != nil {
			out.llm = p
		}
	}
	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err := skipIfUnregistered(err, "tts", name); err != nil {
			return nil, err
		} else if p != nil {
			out.tts = p
		}
	}
	if name := cfg.Providers.Memory.Name; name != "" {
		p, err := reg.CreateMemory(cfg.Providers.Memory)
		if err := skipIfUnregistered(err, "memory", name); err != nil {
			return nil, err
		} else if p != nil {
			out.store = p
		}
	}

	return out, nil
}

// wrapProvidersWithResilience puts each configured provider behind its own
// single-entry [resilience.FallbackGroup], so a flaky ASR/LLM/TTS backend
// trips a circuit breaker instead of being hammered with retries on every
// turn. There is only ever one backend configured per stage today, but the
// wrapping gives every call site the breaker's open/half-open/closed
// admission control for free. The memory store gets the same non-fatal
// treatment via [session.MemoryGuard] rather than a circuit breaker, since a
// degraded memory backend should fall back to empty recall, not trip a
// breaker that would otherwise block the turn loop.
func wrapProvidersWithResilience(p *builtProviders) {
	cfg := resilience.FallbackConfig{}
	if p.llm != nil {
		p.llm = resilience.NewLLMFallback(p.llm, "primary", cfg)
	}
	if p.asr != nil {
		p.asr = resilience.NewSTTFallback(p.asr, "primary", cfg)
	}
	if p.tts != nil {
		p.tts = resilience.NewTTSFallback(p.tts, "primary", cfg)
	}
	if p.store != nil {
		p.store = session.NewMemoryGuard(p.store)
	}
}

// skipIfUnregistered logs and swallows [config.ErrProviderNotRegistered],
// returning any other error unchanged so the caller can abort startup.
func skipIfUnregistered(err error, kind, name string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("provider not registered — skipping", "kind", kind, "name", name)
		return nil
	}
	return fmt.Errorf("create %s provider %q: %w", kind, name, err)
}

// buildMCPHost connects to every MCP server declared in cfg.MCP.Servers. A
// server that fails to connect aborts startup: tool availability is part of
// the contract the LLM stage's tool loop depends on.
func buildMCPHost(ctx context.Context, cfg *config.Config) (*mcphost.Host, error) {
	if len(cfg.MCP.Servers) == 0 {
		return nil, nil
	}
	host := mcphost.New()
	for _, s := range cfg.MCP.Servers {
		err := host.RegisterServer(ctx, mcp.ServerConfig{
			Name:      s.Name,
			Transport: s.Transport,
			Command:   s.Command,
			URL:       s.URL,
			Env:       s.Env,
		})
		if err != nil {
			_ = host.Close()
			return nil, fmt.Errorf("mcp server %q: %w", s.Name, err)
		}
	}
	if err := host.Calibrate(ctx); err != nil {
		slog.Warn("mcp tool calibration failed, using declared latencies", "err", err)
	}
	return host, nil
}

func portOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Command wakeloop is the wake-word and continuous-conversation server for
// XiaoAi speakers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/wakeloop/internal/app"
	"github.com/MrWong99/wakeloop/internal/config"
	"github.com/MrWong99/wakeloop/internal/observe"
	"github.com/MrWong99/wakeloop/pkg/provider/kws"
	"github.com/MrWong99/wakeloop/pkg/provider/kws/remote"
	"github.com/MrWong99/wakeloop/pkg/provider/llm"
	"github.com/MrWong99/wakeloop/pkg/provider/llm/anyllm"
	"github.com/MrWong99/wakeloop/pkg/provider/llm/openai"
	"github.com/MrWong99/wakeloop/pkg/provider/vad"
	"github.com/MrWong99/wakeloop/pkg/provider/vad/energy"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	modeFlag := flag.String("mode", "", "override the configured mode: xiaoai or local")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// The watcher callback needs the app, which needs the loaded config.
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.Reload(old, new)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "wakeloop: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "wakeloop: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	if *modeFlag != "" {
		mode := config.Mode(*modeFlag)
		if !mode.IsValid() {
			fmt.Fprintf(os.Stderr, "wakeloop: -mode %q is invalid; valid values: xiaoai, local\n", *modeFlag)
			return 2
		}
		cfg.Mode = mode
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("wakeloop starting",
		"version", version,
		"config", *configPath,
		"mode", cfg.Mode,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Mode:           string(cfg.Mode),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err = app.New(ctx, cfg, providers,
		app.WithLogLevel(logLevel),
		app.WithBackground(watcher.Run),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(c config.VADConfig) (vad.Scorer, error) {
		var opts []energy.Option
		if f, ok := optFloat(c.Options, "floor"); ok {
			opts = append(opts, energy.WithFloor(f))
		}
		if f, ok := optFloat(c.Options, "ceiling"); ok {
			opts = append(opts, energy.WithCeiling(f))
		}
		return energy.New(opts...)
	})

	// ── KWS ───────────────────────────────────────────────────────────────────
	reg.RegisterKWS("remote", func(c config.KWSConfig) (kws.Spotter, error) {
		opts := []remote.Option{remote.WithKeywords(c.Keywords)}
		if n, ok := optFloat(c.Options, "queue_frames"); ok {
			opts = append(opts, remote.WithQueue(int(n)))
		}
		if token := optString(c.Options, "auth_token"); token != "" {
			opts = append(opts, remote.WithHeader("Authorization", "Bearer "+token))
		}
		return remote.New(c.URL, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining backends go through any-llm-go and share the same
	// pattern: optional APIKey + optional BaseURL.
	for _, providerName := range anyllm.Backends {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	for _, kind := range []string{"vad", "kws", "llm"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	scorer, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", cfg.VAD.Name, err)
	}
	ps.VAD = scorer
	slog.Info("provider created", "kind", "vad", "name", cfg.VAD.Name)

	spotter, err := reg.CreateKWS(cfg.KWS)
	if err != nil {
		return nil, fmt.Errorf("create kws provider %q: %w", cfg.KWS.Name, err)
	}
	ps.KWS = spotter
	slog.Info("provider created", "kind", "kws", "name", cfg.KWS.Name)

	if cfg.Responder.Name == "" {
		return ps, nil
	}
	entries := append([]config.ProviderEntry{cfg.Responder.ProviderEntry}, cfg.Responder.Fallbacks...)
	for i, entry := range entries {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			if i > 0 {
				slog.Warn("skipping fallback llm provider", "name", entry.Name, "err", err)
				continue
			}
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		ps.LLM = append(ps.LLM, app.NamedLLM{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model, "fallback", i > 0)
	}
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	policy := cfg.XiaoAI.Policy()
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        wakeloop · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Mode            : %-19s ║\n", cfg.Mode)
	printProvider("VAD", cfg.VAD.Name, "")
	printProvider("KWS", cfg.KWS.Name, "")
	printProvider("Responder", cfg.Responder.Name, cfg.Responder.Model)
	fmt.Printf("║  Fallbacks       : %-19d ║\n", len(cfg.Responder.Fallbacks))
	fmt.Printf("║  Wake phrases    : %-19d ║\n", len(cfg.KWS.Keywords))
	fmt.Printf("║  Continuous      : %-19v ║\n", policy.Continuous)
	fmt.Printf("║  Max retries     : %-19d ║\n", policy.MaxRetries)
	if cfg.Journal.PostgresDSN != "" {
		fmt.Printf("║  Journal         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Journal         : %-19s ║\n", "memory")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a number from a provider Options map. YAML decodes
// integers as int and decimals as float64.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/warroom/internal/actions"
	"github.com/basket/warroom/internal/audit"
	"github.com/basket/warroom/internal/bus"
	"github.com/basket/warroom/internal/config"
	"github.com/basket/warroom/internal/debate"
	"github.com/basket/warroom/internal/dispatch"
	"github.com/basket/warroom/internal/engine"
	"github.com/basket/warroom/internal/gate"
	"github.com/basket/warroom/internal/gateway"
	"github.com/basket/warroom/internal/governor"
	"github.com/basket/warroom/internal/heartbeat"
	"github.com/basket/warroom/internal/notify"
	otelPkg "github.com/basket/warroom/internal/otel"
	"github.com/basket/warroom/internal/persistence"
	"github.com/basket/warroom/internal/telemetry"
	"github.com/basket/warroom/internal/trigger"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the coordination daemon
  %s status                   Show daemon health (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  WARROOM_HOME            Data directory (default: ~/.warroom)
  WARROOM_AUTH_TOKEN      API bearer token (overrides config.yaml)
  GEMINI_API_KEY          Required for the default Gemini provider
  TELEGRAM_BOT_TOKEN      Enables founder notifications
`)
}

func main() {
	loadDotEnv(".env")

	homeFlag := flag.String("home", "", "data directory (default: ~/.warroom)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("warroom", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := *homeFlag
	if homeDir == "" {
		homeDir = config.DefaultHomeDir()
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_CREATE", err)
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "status":
			os.Exit(runStatusCommand(ctx, cfg))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	// Audit before logger so logger-init failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if host, _, splitErr := net.SplitHostPort(cfg.BindAddr); splitErr == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" && os.Getenv("WARROOM_AUTH_TOKEN") == "" {
			logger.Warn("non-loopback bind without a configured auth token; a token will be generated", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	eventBus := bus.New()

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "warroom.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	// Generation capability. Without an API key the brain stays offline:
	// the quality gate fails closed and escalations downgrade to alerts.
	brain := engine.NewGenkitBrain(ctx, engine.BrainConfig{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.APIKey(),
		BaseURL:  cfg.LLM.BaseURL,
		Timeout:  time.Duration(cfg.GenerateTimeoutSeconds) * time.Second,
	})
	qualityGate, err := gate.New(brain)
	if err != nil {
		fatalStartup(logger, "E_GATE_INIT", err)
	}
	synth, err := debate.NewSynthesizer(brain)
	if err != nil {
		fatalStartup(logger, "E_DEBATE_INIT", err)
	}

	gov := governor.New(store)
	lifecycle := actions.NewLifecycle(store, gov, qualityGate)
	recorder := heartbeat.NewRecorder(store, synth, eventBus)

	registry := dispatch.NewRegistry()
	dispatchBus := dispatch.New(store, registry, cfg.SweepBatchLimit)
	storeTimeout := time.Duration(cfg.StoreTimeoutSeconds) * time.Second
	sweeper := dispatch.NewSweeper(dispatchBus, time.Duration(cfg.SweepIntervalSeconds)*time.Second, storeTimeout)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	trigEngine := trigger.NewEngine(store, dispatchBus)
	trigScheduler := trigger.NewScheduler(trigEngine, time.Duration(cfg.TriggerIntervalSeconds)*time.Second, storeTimeout)
	trigScheduler.Start(ctx)
	defer trigScheduler.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram notifications enabled but token is missing")
		} else {
			notifier := notify.New(cfg.Telegram.Token, cfg.Telegram.ChatIDs, store, eventBus, logger)
			if err := notifier.Start(ctx); err != nil {
				logger.Error("telegram notifier failed to start", "error", err)
			} else {
				defer notifier.Stop()
			}
		}
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			newCfg, loadErr := config.Load(cfg.HomeDir)
			if loadErr != nil {
				logger.Error("config.yaml reload failed", "path", ev.Path, "error", loadErr)
				continue
			}
			if newCfg.Fingerprint() == cfg.Fingerprint() {
				continue
			}
			// Bind address, provider and cadence changes need a restart;
			// surface the drift so the operator knows.
			logger.Warn("config.yaml changed on disk; restart to apply",
				"old_fingerprint", cfg.Fingerprint(), "new_fingerprint", newCfg.Fingerprint())
		}
	}()

	authToken := cfg.AuthToken
	if authToken == "" {
		authToken, err = loadAuthToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}
	}

	gw := gateway.New(gateway.Config{
		Store:        store,
		Dispatch:     dispatchBus,
		EventBus:     eventBus,
		Lifecycle:    lifecycle,
		Recorder:     recorder,
		Triggers:     trigEngine,
		AuthToken:    authToken,
		AllowOrigins: cfg.AllowOrigins,
		Tracer:       otelProvider.Tracer,
		Version:      Version,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  Another process is using %s. Stop it first or change bind_addr in config.yaml.", err, cfg.BindAddr)
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("warroom %s listening on %s (data: %s)\n", Version, cfg.BindAddr, cfg.HomeDir)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then the background loops via the deferred Stops,
	// then flush and close storage via the deferred store.Close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func runStatusCommand(ctx context.Context, cfg *config.Config) int {
	url := "http://" + cfg.BindAddr + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status:", err)
		return 1
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon not reachable at %s: %v\n", cfg.BindAddr, err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return 0
	}
	fmt.Printf("unhealthy (status %d)\n", resp.StatusCode)
	return 1
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadAuthToken reads auth.token under homeDir, generating one on first run.
func loadAuthToken(homeDir string) (string, error) {
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

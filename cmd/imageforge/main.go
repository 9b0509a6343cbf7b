// Command imageforge runs the image-generation admission and dispatch
// service: the request queue, provider workers, and the ops API.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"imageforge/pkg/admission"
	"imageforge/pkg/config"
	"imageforge/pkg/dispatch"
	"imageforge/pkg/inspect"
	"imageforge/pkg/logx"
	"imageforge/pkg/metrics"
	"imageforge/pkg/persistence"
	"imageforge/pkg/provider"
	"imageforge/pkg/provider/google"
	"imageforge/pkg/provider/openai"
	"imageforge/pkg/queue"
	"imageforge/pkg/resilience/circuit"
	"imageforge/pkg/resilience/retry"
	"imageforge/pkg/version"
	"imageforge/pkg/webui"
)

// drainTimeout bounds how long shutdown waits for in-flight dispatches.
const drainTimeout = 30 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file (built-in defaults when empty)")
		dataDir     = flag.String("datadir", ".", "Data directory (secrets file, default database location)")
		promURL     = flag.String("prometheus-url", "", "Prometheus base URL for usage reporting (optional)")
		initSecrets = flag.Bool("init-secrets", false, "Interactively create the encrypted secrets file and exit")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("imageforge %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	if *debug {
		logx.SetDebug(true)
	}

	if *initSecrets {
		if err := runInitSecrets(*dataDir); err != nil {
			fmt.Fprintf(os.Stderr, "init-secrets failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	os.Exit(run(*configPath, *dataDir, *promURL))
}

// run contains the main application logic and returns an exit code, so
// defers execute before the process exits.
func run(configPath, dataDir, promURL string) int {
	logger := logx.NewLogger("main")

	if err := config.Load(configPath); err != nil {
		logger.Error("failed to load config: %v", err)
		return 1
	}
	cfg := config.MustGet()

	if err := loadSecrets(dataDir); err != nil {
		logger.Error("failed to load secrets: %v", err)
		return 1
	}
	ensureOpsPassword(logger)

	if err := persistence.Initialize(cfg.Database); err != nil {
		logger.Error("failed to initialize database: %v", err)
		return 1
	}
	defer func() {
		if err := persistence.Close(); err != nil {
			logger.Error("failed to close database: %v", err)
		}
	}()
	ops := persistence.Ops()

	adapters := buildAdapters(cfg, logger)
	if len(adapters) == 0 {
		logger.Error("no provider adapters available, check API key secrets")
		return 1
	}

	budgets := make([]*queue.Budget, 0, len(cfg.Providers))
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		budgets = append(budgets, queue.NewBudget(p.Name, p.MaxConcurrency, circuit.Config{
			FailureThreshold: p.Circuit.FailureThreshold,
			SuccessThreshold: p.Circuit.SuccessThreshold,
			Cooldown:         p.Circuit.Cooldown.D(),
		}))
	}
	q := queue.New(budgets)

	recorder := metrics.NewPrometheusRecorder()
	policy := retry.NewPolicy(retry.Config{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		InitialDelay:  cfg.Retry.InitialDelay.D(),
		MaxDelay:      cfg.Retry.MaxDelay.D(),
		BackoffFactor: cfg.Retry.BackoffFactor,
		Jitter:        cfg.Retry.Jitter,
	}, nil)

	sink := persistence.NewSink(256)
	hooks := auditHooks(sink)

	dispatcher, err := dispatch.New(q, adapters, policy, recorder, hooks, &cfg)
	if err != nil {
		logger.Error("failed to build dispatcher: %v", err)
		return 1
	}

	ledger := persistence.NewCreditLedger(ops)
	ctrl := admission.NewController(q, ledger, recorder, cfg.Queue, cfg.ProviderNames())
	inspector := inspect.New(q, cfg.Queue)

	var usage *metrics.QueryService
	if promURL != "" {
		usage, err = metrics.NewQueryService(promURL)
		if err != nil {
			logger.Error("failed to create usage query service: %v", err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		persistence.RunWorker(sink.Channel(), ops)
		return nil
	})

	if err := dispatcher.Start(gctx); err != nil {
		logger.Error("failed to start dispatcher: %v", err)
		sink.Close()
		_ = g.Wait()
		return 1
	}
	server := webui.NewServer(ctrl, inspector, q, dispatcher, usage, cfg.Queue)
	if err := server.StartServer(gctx, cfg.Server.Host, cfg.Server.Port); err != nil {
		logger.Error("failed to start API server: %v", err)
		sink.Close()
		_ = g.Wait()
		return 1
	}

	logger.Info("imageforge %s ready on %s:%d", version.Version, cfg.Server.Host, cfg.Server.Port)
	<-gctx.Done()

	// Stop admitting, drain in-flight dispatches, then flush audit writes.
	logger.Info("shutdown signal received")
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := dispatcher.Stop(drainCtx); err != nil {
		logger.Warn("dispatcher drain incomplete: %v", err)
	}
	// The sink drops writes once closed, so a hook from an abandoned
	// dispatch cannot hit a closed channel.
	sink.Close()
	if err := g.Wait(); err != nil {
		logger.Error("background worker error: %v", err)
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}

// buildAdapters constructs one adapter per configured provider whose API key
// is available. Providers without keys are skipped with a warning.
func buildAdapters(cfg config.Config, logger *logx.Logger) []provider.Adapter {
	var adapters []provider.Adapter
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		switch p.Name {
		case config.ProviderOpenAI:
			key, err := config.GetSecret(config.SecretOpenAIKey)
			if err != nil {
				logger.Warn("skipping provider %s: %v", p.Name, err)
				continue
			}
			adapters = append(adapters, openai.NewClient(key, p.Model))
		case config.ProviderGoogle:
			key, err := config.GetSecret(config.SecretGoogleKey)
			if err != nil {
				logger.Warn("skipping provider %s: %v", p.Name, err)
				continue
			}
			adapters = append(adapters, google.NewClient(key, p.Model))
		default:
			logger.Warn("unknown provider %s in config, skipping", p.Name)
		}
	}
	return adapters
}

// auditHooks persists terminal outcomes and meters credit for completions.
// Both run fire-and-forget through the persistence worker.
func auditHooks(sink *persistence.Sink) dispatch.Hooks {
	return dispatch.Hooks{
		OnCompleted: func(req queue.Request, ref provider.ImageRef) {
			persistence.PersistRequest(auditRecord(req, ref), sink)
			persistence.PersistCreditDeduction(req.UserID, 1, sink)
		},
		OnFailed: func(req queue.Request) {
			persistence.PersistRequest(auditRecord(req, provider.ImageRef{}), sink)
		},
	}
}

func auditRecord(req queue.Request, ref provider.ImageRef) *persistence.GenerationRecord {
	return &persistence.GenerationRecord{
		ID:             req.ID,
		UserID:         req.UserID,
		Prompt:         req.Prompt,
		Providers:      req.Providers,
		Status:         string(req.Status),
		Attempts:       req.Attempts,
		LastError:      req.LastError,
		ResultProvider: ref.Provider,
		ResultURL:      ref.URL,
		SubmittedAt:    req.SubmittedAt,
		FinishedAt:     req.FinishedAt,
	}
}

// loadSecrets decrypts the secrets file when present; otherwise secrets fall
// back to environment variables.
func loadSecrets(dataDir string) error {
	if !config.SecretsFileExists(dataDir) {
		return nil
	}

	fmt.Print("Secrets file password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	defer func() {
		for i := range password {
			password[i] = 0
		}
	}()

	secrets, err := config.DecryptSecretsFile(dataDir, string(password))
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)
	return nil
}

// ensureOpsPassword generates a random ops password when none is configured,
// so the admin endpoints are never unprotected.
func ensureOpsPassword(logger *logx.Logger) {
	if config.GetOpsPassword() != "" {
		return
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		logger.Error("failed to generate ops password: %v", err)
		return
	}
	password := hex.EncodeToString(buf)
	config.SetSecret(config.SecretOpsPassword, password)
	logger.Info("generated ops password for this session: %s", password)
}

// runInitSecrets interactively collects provider keys and an ops password,
// then writes the encrypted secrets file.
func runInitSecrets(dataDir string) error {
	secrets := make(map[string]string)
	for _, name := range []string{config.SecretOpenAIKey, config.SecretGoogleKey, config.SecretOpsPassword} {
		fmt.Printf("%s (empty to skip): ", name)
		value, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if len(value) > 0 {
			secrets[name] = string(value)
		}
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no secrets entered")
	}

	password, err := promptForPassword()
	if err != nil {
		return err
	}

	if err := config.EncryptSecretsFile(dataDir, password, secrets); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}
	fmt.Println("Secrets saved to .imageforge/secrets.json.enc (file permissions: 0600)")
	return nil
}

// promptForPassword prompts for an encryption password with confirmation.
func promptForPassword() (string, error) {
	maxAttempts := 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Print("Enter an encryption password: ")
		password1, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		fmt.Print("Confirm password: ")
		password2, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		if !bytes.Equal(password1, password2) {
			if attempt < maxAttempts {
				fmt.Println("Passwords do not match. Please try again.")
				continue
			}
			return "", fmt.Errorf("passwords do not match after %d attempts", maxAttempts)
		}

		password := string(password1)
		for i := range password1 {
			password1[i] = 0
		}
		for i := range password2 {
			password2[i] = 0
		}
		return password, nil
	}
	return "", fmt.Errorf("password entry failed")
}

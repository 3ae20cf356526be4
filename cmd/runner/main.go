// Command runner boots the consumer engine as a long-lived container
// process: it resolves listener configuration, registers handlers,
// starts the Supervisor, and drains on SIGTERM/SIGINT (spec §6.4, §6.5).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.queuerunner.dev/internal/admin"
	"go.queuerunner.dev/internal/config"
	"go.queuerunner.dev/internal/engine"
	"go.queuerunner.dev/internal/lifecycle"
	"go.queuerunner.dev/internal/queue/sqs"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	adminAddr := flag.String("admin-addr", ":8080", "admin HTTP bind address")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("QUEUERUNNER_DEV") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	file, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config file")
	}
	level, err := zerolog.ParseLevel(file.ResolvedLogLevel())
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Str("version", version).Str("build_time", buildTime).Msg("starting queue runner")

	client, err := sqs.New(context.Background(), sqs.Config{
		Region:         os.Getenv("AWS_REGION"),
		CustomEndpoint: os.Getenv("QUEUE_ENDPOINT_URL"),
		BreakerName:    "sqs",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct queue client")
	}

	registry, err := buildRegistry(file)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve listener configuration")
	}
	if len(registry.Entries()) == 0 {
		log.Fatal().Msg("no listeners configured; set [listener.*] in the config file")
	}

	supervisor := engine.NewSupervisor(client, registry, file.Strict)
	if file.GracePeriod > 0 {
		supervisor.WithGracePeriod(time.Duration(file.GracePeriod) * time.Second)
	}

	adminSrv := admin.New(*adminAddr)

	queueURLs := make([]string, 0, len(registry.Entries()))
	for _, e := range registry.Entries() {
		queueURLs = append(queueURLs, e.QueueURL)
	}
	healthChecker := admin.NewQueueHealthChecker(client, queueURLs, 30*time.Second)
	adminSrv.AttachHealthChecker(healthChecker)
	healthCtx, cancelHealth := context.WithCancel(context.Background())
	go healthChecker.Run(healthCtx)

	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server exited unexpectedly")
		}
	}()

	runCtx, cancelRun := context.WithCancel(context.Background())
	exitCodeCh := make(chan engine.ExitCode, 1)
	go func() {
		adminSrv.MarkReady()
		exitCodeCh <- supervisor.RunAll(runCtx)
	}()

	var finalCode engine.ExitCode

	lc := lifecycle.NewManager()
	lc.RegisterHTTPShutdown("admin", adminSrv.Shutdown)
	lc.RegisterQueueShutdown("supervisor", func(ctx context.Context) error {
		cancelRun()
		select {
		case <-ctx.Done():
			finalCode = engine.ExitGraceExceeded
			return ctx.Err()
		case code := <-exitCodeCh:
			finalCode = code
			if code != engine.ExitClean {
				return fmt.Errorf("supervisor exited with code %d", code)
			}
			return nil
		}
	})

	lc.Run()
	cancelHealth()
	healthChecker.Stop()

	os.Exit(int(finalCode))
}

// buildRegistry resolves every [listener.*] entry in file into a
// registered engine.Registry. This binary ships two example handlers
// (spec §6.1 leaves handler registration external to the core); a real
// deployment replaces exampleBatchHandler/examplePerMessageHandler with
// its own.
func buildRegistry(file *config.File) (*engine.Registry, error) {
	reg := engine.NewRegistry()
	for name, lf := range file.Listeners {
		cfg, err := config.Resolve(lf)
		if err != nil {
			return nil, fmt.Errorf("listener %q: %w", name, err)
		}
		switch cfg.Mode {
		case engine.ModePerMessage:
			reg.AddPerMessage(cfg.QueueURL, cfg, examplePerMessageHandler)
		default:
			reg.AddBatch(cfg.QueueURL, cfg, exampleBatchHandler)
		}
	}
	return reg, nil
}

func exampleBatchHandler(ctx context.Context, batch []*engine.Message) (*engine.BatchResult, error) {
	result := engine.NewBatchResult()
	for _, m := range batch {
		if _, err := m.AsJSON(); err != nil {
			log.Warn().Err(err).Str("messageId", m.MessageID).Msg("unparseable message body")
			result.MarkFailed(m.ReceiptHandle)
			continue
		}
		log.Info().Str("messageId", m.MessageID).Msg("processed message")
	}
	return result, nil
}

func examplePerMessageHandler(ctx context.Context, m *engine.Message) (bool, error) {
	if _, err := m.AsJSON(); err != nil {
		return false, err
	}
	log.Info().Str("messageId", m.MessageID).Msg("processed message")
	return true, nil
}

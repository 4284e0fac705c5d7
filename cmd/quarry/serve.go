package main

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/time/rate"

	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/dataset"
	"github.com/quarrylabs/quarry/internal/engine"
	"github.com/quarrylabs/quarry/internal/llm"
	_ "github.com/quarrylabs/quarry/internal/llm/providers/google"
	_ "github.com/quarrylabs/quarry/internal/llm/providers/openai"
	"github.com/quarrylabs/quarry/internal/logging"
	"github.com/quarrylabs/quarry/internal/sandbox"
	"github.com/quarrylabs/quarry/internal/server"
	"github.com/quarrylabs/quarry/internal/session"
	"github.com/quarrylabs/quarry/internal/stream"
)

func serve(args []string) {
	var configPath string
	var addr string
	var dataDir string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			addr = args[i]
		case "--data":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--data requires a value")
				os.Exit(1)
			}
			dataDir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if dataDir != "" {
		cfg.Data.Dir = dataDir
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Encoding)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	client, err := llm.NewFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	client.SetDefaultProvider(cfg.LLM.Provider)
	if cfg.LLM.RateLimitRPS > 0 {
		limiter := rate.NewLimiter(rate.Limit(cfg.LLM.RateLimitRPS), 1)
		client.Use(llm.RateLimit(limiter))
	}

	store, err := dataset.NewStore(cfg.Data.Dir, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	host, err := sandbox.NewHost(logger, sandbox.HostOptions{
		Python: cfg.Sandbox.Python,
		Worker: cfg.Sandbox.Worker,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	publisher := stream.NewPublisher(logger, stream.Options{
		SendTimeout: cfg.Stream.SendTimeout(),
		History:     cfg.Stream.History,
	})

	sessions := session.NewRegistry(store, sessionLauncher{host}, logger, session.Options{
		ProvisionTimeout:        cfg.Sandbox.ProvisionTimeout(),
		MaxConcurrentProvisions: int64(cfg.Session.MaxConcurrentProvisions),
		OnDestroy:               publisher.Drop,
	})

	gw := engine.NewGateway(client, cfg.LLM.Model, engine.Timeouts{
		Plan:     cfg.LLM.PlanTimeout(),
		Generate: cfg.LLM.GenerateTimeout(),
		Analyze:  cfg.LLM.AnalyzeTimeout(),
		Chart:    cfg.LLM.ChartTimeout(),
		Summary:  cfg.LLM.SummaryTimeout(),
	}, logger)
	eng := engine.New(gw, publisher, logger, engine.Options{
		RetryCeiling: cfg.Engine.RetryCeiling,
		ExecTimeout:  cfg.Sandbox.ExecTimeout(),
	})

	srv := server.New(server.Config{
		Addr:          cfg.Server.Addr,
		MaxIdle:       cfg.Session.MaxIdle(),
		SweepInterval: cfg.Session.SweepInterval(),
		SendTimeout:   cfg.Stream.SendTimeout(),
	}, sessions, publisher, eng, logger)

	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// sessionLauncher adapts the sandbox host to the registry's Launcher.
type sessionLauncher struct {
	host *sandbox.Host
}

func (l sessionLauncher) Launch(ctx context.Context, sessionID, workdir string) (session.Interpreter, error) {
	return l.host.Launch(ctx, sessionID, workdir)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

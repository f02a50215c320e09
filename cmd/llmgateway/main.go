// Command llmgateway is the gateway CLI.
//
// Usage:
//
//	llmgateway complete "prompt"        # one-shot completion
//	llmgateway stream "prompt"          # streaming completion
//	llmgateway health                   # probe every provider
//	llmgateway models                   # list models per provider
//	llmgateway stats                    # usage statistics and costs
//	llmgateway version
//
// All commands take --config to point at a YAML file; environment
// variables with the LLMGATEWAY_ prefix override it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"

	"github.com/peoplecore/llmgateway/config"
	"github.com/peoplecore/llmgateway/llm"
	"github.com/peoplecore/llmgateway/llm/gateway"
	"github.com/peoplecore/llmgateway/llm/monitor"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "complete":
		runComplete(os.Args[2:], false)
	case "stream":
		runComplete(os.Args[2:], true)
	case "health":
		runHealth(os.Args[2:])
	case "models":
		runModels(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "version":
		fmt.Printf("llmgateway %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: llmgateway <command> [flags]

commands:
  complete "prompt"   one-shot completion
  stream   "prompt"   streaming completion
  health              probe every provider
  models              list models per provider
  stats               usage statistics and costs
  version             print build information`)
}

// setup loads the configuration and builds the manager shared by every
// command.
func setup(fs *flag.FlagSet, args []string) (*config.Config, *gateway.Manager, *zap.Logger, []string) {
	configPath := fs.String("config", "gateway.yaml", "path to the YAML configuration")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	cfg, err := config.NewLoader().
		WithConfigPath(*configPath).
		WithValidator((*config.Config).Validate).
		Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	opts := []gateway.Option{gateway.WithLogger(logger)}
	if cfg.Ledger.Enabled {
		db, err := gorm.Open(sqlite.Open(cfg.Ledger.Path), &gorm.Config{})
		if err != nil {
			logger.Fatal("ledger open failed", zap.String("path", cfg.Ledger.Path), zap.Error(err))
		}
		ledger, err := monitor.NewGormLedger(db)
		if err != nil {
			logger.Fatal("ledger migration failed", zap.Error(err))
		}
		opts = append(opts, gateway.WithLedger(ledger))
	}

	manager, err := gateway.New(cfg, opts...)
	if err != nil {
		logger.Fatal("gateway init failed", zap.Error(err))
	}
	return cfg, manager, logger, fs.Args()
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zcfg.OutputPaths = cfg.OutputPaths
	}
	return zcfg.Build()
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runComplete(args []string, stream bool) {
	fs := flag.NewFlagSet("complete", flag.ExitOnError)
	model := fs.String("model", "", "model override")
	system := fs.String("system", "", "system prompt")
	maxTokens := fs.Int("max-tokens", 0, "completion token cap")
	temperature := fs.Float64("temperature", llm.DefaultTemperature, "sampling temperature")
	agent := fs.String("agent", "", "route using this agent's provider mapping")
	provider := fs.String("provider", "", "preferred provider, optionally provider:model")
	timeout := fs.Duration("timeout", 2*time.Minute, "request timeout")
	_, manager, logger, rest := setup(fs, args)
	defer manager.Close()
	defer logger.Sync()

	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: llmgateway complete [flags] \"prompt\"")
		os.Exit(2)
	}

	req := llm.NewCompletion(rest[0]).
		WithTemperature(*temperature)
	if *model != "" {
		req.WithModel(*model)
	}
	if *system != "" {
		req.WithSystemPrompt(*system)
	}
	if *maxTokens > 0 {
		req.WithMaxTokens(*maxTokens)
	}

	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	var preferred []string
	if *provider != "" {
		preferred = append(preferred, *provider)
	}

	if stream {
		err := manager.Stream(ctx, req, func(chunk *llm.Response) error {
			fmt.Print(chunk.Content)
			return nil
		}, preferred...)
		fmt.Println()
		if err != nil {
			logger.Fatal("stream failed", zap.Error(err))
		}
		return
	}

	var resp *llm.Response
	var err error
	if *agent != "" {
		resp, err = manager.CompleteForAgent(ctx, *agent, req)
	} else {
		resp, err = manager.Complete(ctx, req, preferred...)
	}
	if err != nil {
		logger.Fatal("completion failed", zap.Error(err))
	}

	fmt.Println(resp.Content)
	logger.Info("completed",
		zap.String("provider", resp.Provider),
		zap.String("model", resp.Model),
		zap.Int("tokens", resp.TokensUsed()),
		zap.Float64("cost", resp.Cost),
		zap.Duration("duration", resp.ResponseTime),
	)
}

func runHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	timeout := fs.Duration("timeout", 30*time.Second, "probe timeout")
	_, manager, logger, _ := setup(fs, args)
	defer manager.Close()
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	statuses := manager.HealthCheck(ctx)
	allHealthy := true
	for name, status := range statuses {
		state := "healthy"
		if !status.Healthy {
			state = "unhealthy"
			allHealthy = false
		}
		fmt.Printf("%-12s %-10s latency=%s models=%d\n",
			name, state, status.Latency.Round(time.Millisecond), status.ModelsAvailable)
	}
	if !allHealthy {
		os.Exit(1)
	}
}

func runModels(args []string) {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	_, manager, logger, _ := setup(fs, args)
	defer manager.Close()
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for provider, models := range manager.AvailableModels(ctx) {
		fmt.Printf("%s:\n", provider)
		for _, m := range models {
			fmt.Printf("  %s\n", m)
		}
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	days := fs.Int("days", 7, "window in days")
	_, manager, logger, _ := setup(fs, args)
	defer manager.Close()
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := map[string]any{
		"usage": manager.Monitor().UsageStatistics(ctx, *days),
		"costs": manager.Monitor().AnalyzeCosts(ctx, *days),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Fatal("encode failed", zap.Error(err))
	}
}

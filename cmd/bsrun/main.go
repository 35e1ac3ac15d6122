package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/lmittmann/tint"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v3"

	"github.com/airshed-lv/bsrun/internal/collect"
	"github.com/airshed-lv/bsrun/internal/environment"
	"github.com/airshed-lv/bsrun/internal/fetch"
	"github.com/airshed-lv/bsrun/internal/gatherer/natsgath"
	"github.com/airshed-lv/bsrun/internal/gatherer/sqsgath"
	"github.com/airshed-lv/bsrun/internal/gatherer/termgath"
	"github.com/airshed-lv/bsrun/internal/pipeline"
	"github.com/airshed-lv/bsrun/internal/runspec"
	"github.com/airshed-lv/bsrun/internal/stage"
)

func main() {
	env := environment.ReadEnvConfig()
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      env.LogLevel,
		TimeFormat: time.Kitchen,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stagesFlag := &cli.StringFlag{
		Name:  "stages",
		Usage: "path to the stage registry TOML",
		Value: "stages.toml",
	}
	specFlag := &cli.StringFlag{
		Name:     "spec",
		Usage:    "path to the run spec TOML",
		Required: true,
	}

	cmd := &cli.Command{
		Name:  "bsrun",
		Usage: "run a smoke-model pipeline of external stage executables",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "execute a run spec; exit 0 only when the run completes",
				Flags: []cli.Flag{
					specFlag,
					stagesFlag,
					&cli.BoolFlag{Name: "nats", Usage: "stream progress to NATS (BSRUN_NATS_URL)"},
					&cli.BoolFlag{Name: "sqs", Usage: "stream progress to SQS (BSRUN_SQS_QUEUE_URL)"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runAction(ctx, c, env)
				},
			},
			{
				Name:  "listen",
				Usage: "poll the submission queue (BSRUN_SQS_QUEUE_URL) for run requests",
				Flags: []cli.Flag{stagesFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					return listenAction(ctx, c, env)
				},
			},
			{
				Name:  "validate",
				Usage: "load and validate a run spec against the stage registry",
				Flags: []cli.Flag{specFlag, stagesFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					return validateAction(c)
				},
			},
			{
				Name:  "stages",
				Usage: "list registered stages",
				Flags: []cli.Flag{stagesFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					return stagesAction(c)
				},
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		cli.HandleExitCoder(err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func runAction(ctx context.Context, c *cli.Command, env *environment.EnvConfig) error {
	reg, err := stage.LoadRegistry(c.String("stages"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	cfg, err := runspec.Load(c.String("spec"), reg)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer cfg.Release()

	var opts []pipeline.Option
	if hasDownloads(cfg) {
		store, err := fetch.New(
			filepath.Join(cfg.RunRoot, ".store", "files"),
			filepath.Join(cfg.RunRoot, ".store", "tmp"),
			fetch.NewDownloadFunc(env.AwsRegion),
		)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		store.Start(ctx)
		opts = append(opts, pipeline.WithStore(store))
	}

	gath := pipeline.MultiGatherer{termgath.New()}
	if c.Bool("nats") {
		if env.NatsURL == "" {
			return cli.Exit("BSRUN_NATS_URL is not set", 2)
		}
		nc, err := nats.Connect(env.NatsURL)
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to connect to NATS: %v", err), 2)
		}
		defer nc.Drain()
		gath = append(gath, natsgath.New(nc, cfg.RunID, "bsrun.runs."+cfg.RunID))
	}
	if c.Bool("sqs") {
		if env.SqsQueueURL == "" {
			return cli.Exit("BSRUN_SQS_QUEUE_URL is not set", 2)
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(env.AwsRegion))
		if err != nil {
			return cli.Exit(fmt.Sprintf("unable to load AWS SDK config: %v", err), 2)
		}
		gath = append(gath, sqsgath.New(sqs.NewFromConfig(awsCfg), cfg.RunID, env.SqsQueueURL))
	}

	runner := pipeline.New(reg, opts...)
	result, runErr := runner.Execute(ctx, cfg, gath)

	if err := collect.WriteSummary(os.Stdout, result); err != nil {
		slog.Error("failed to write summary", "err", err)
	}
	if cfg.ArchivePath != "" && result.Status != collect.StatusAborted {
		if err := collect.Archive(cfg.RunRoot, result, cfg.ArchivePath); err != nil {
			slog.Error("failed to write artifact archive", "err", err)
		} else {
			slog.Info("wrote artifact archive", "path", cfg.ArchivePath)
		}
	}

	if runErr != nil {
		return cli.Exit(runErr.Error(), 2)
	}
	switch result.Status {
	case collect.StatusAborted:
		return cli.Exit("run aborted", 130)
	case collect.StatusFailure:
		return cli.Exit("run failed", 1)
	}
	return nil
}

func validateAction(c *cli.Command) error {
	reg, err := stage.LoadRegistry(c.String("stages"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	cfg, err := runspec.Load(c.String("spec"), reg)
	if err != nil {
		var invalid *runspec.InvalidConfigError
		if errors.As(err, &invalid) {
			fmt.Println("run spec is invalid:")
			for _, f := range invalid.Fields {
				fmt.Printf("  - %s\n", f)
			}
			return cli.Exit("", 1)
		}
		return cli.Exit(err.Error(), 2)
	}
	cfg.Release()
	fmt.Printf("run spec OK (run id %s, %d stages)\n", cfg.RunID, len(cfg.Stages))
	return nil
}

func stagesAction(c *cli.Command) error {
	reg, err := stage.LoadRegistry(c.String("stages"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	for _, name := range reg.Names() {
		desc, _ := reg.Lookup(name)
		fmt.Printf("%-16s %s\n", name, desc.Executable)
	}
	return nil
}

func hasDownloads(cfg *runspec.Config) bool {
	for _, in := range cfg.Inputs {
		if in.Url != "" {
			return true
		}
	}
	return false
}

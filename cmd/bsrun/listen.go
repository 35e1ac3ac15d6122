package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/urfave/cli/v3"

	"github.com/airshed-lv/bsrun/api"
	"github.com/airshed-lv/bsrun/internal/collect"
	"github.com/airshed-lv/bsrun/internal/environment"
	"github.com/airshed-lv/bsrun/internal/fetch"
	"github.com/airshed-lv/bsrun/internal/gatherer/sqsgath"
	"github.com/airshed-lv/bsrun/internal/gatherer/termgath"
	"github.com/airshed-lv/bsrun/internal/pipeline"
	"github.com/airshed-lv/bsrun/internal/runspec"
	"github.com/airshed-lv/bsrun/internal/stage"
)

// listenAction polls the submission queue and executes each run request in
// turn. SIGINT/SIGTERM aborts the in-flight run; its message stays on the
// queue for redelivery.
func listenAction(ctx context.Context, c *cli.Command, env *environment.EnvConfig) error {
	if env.SqsQueueURL == "" {
		return cli.Exit("BSRUN_SQS_QUEUE_URL is not set", 2)
	}
	reg, err := stage.LoadRegistry(c.String("stages"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(env.AwsRegion))
	if err != nil {
		return cli.Exit(fmt.Sprintf("unable to load AWS SDK config: %v", err), 2)
	}
	client := sqs.NewFromConfig(awsCfg)

	slog.Info("listening for run requests", "queue", env.SqsQueueURL)
	for {
		if ctx.Err() != nil {
			return nil
		}
		out, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(env.SqsQueueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("failed to receive from submission queue", "err", err)
			continue
		}
		for _, msg := range out.Messages {
			handleRequest(ctx, client, env, reg, msg)
		}
	}
}

func handleRequest(ctx context.Context, client *sqs.Client, env *environment.EnvConfig,
	reg *stage.Registry, msg types.Message) {
	var req api.RunReq
	if err := json.Unmarshal([]byte(*msg.Body), &req); err != nil {
		slog.Error("discarding malformed run request", "err", err)
		deleteMessage(ctx, client, env.SqsQueueURL, msg.ReceiptHandle)
		return
	}
	cfg, err := runspec.FromRequest(&req, reg)
	if err != nil {
		slog.Error("discarding invalid run request", "err", err)
		deleteMessage(ctx, client, env.SqsQueueURL, msg.ReceiptHandle)
		return
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
			// leave the message for redelivery
			slog.Error("failed to create input store", "run_id", cfg.RunID, "err", err)
			return
		}
		store.Start(ctx)
		opts = append(opts, pipeline.WithStore(store))
	}

	gath := pipeline.MultiGatherer{termgath.New()}
	if req.ResSqsUrl != nil && *req.ResSqsUrl != "" {
		gath = append(gath, sqsgath.New(client, cfg.RunID, *req.ResSqsUrl))
	}

	result, runErr := pipeline.New(reg, opts...).Execute(ctx, cfg, gath)
	if runErr != nil {
		slog.Error("run ended with infrastructure error", "run_id", cfg.RunID, "err", runErr)
	}
	if err := collect.WriteSummary(os.Stdout, result); err != nil {
		slog.Error("failed to write summary", "err", err)
	}
	if result.Status == collect.StatusAborted {
		return
	}
	deleteMessage(ctx, client, env.SqsQueueURL, msg.ReceiptHandle)
}

func deleteMessage(ctx context.Context, client *sqs.Client, queueUrl string, handle *string) {
	_, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueUrl),
		ReceiptHandle: handle,
	})
	if err != nil {
		slog.Error("failed to delete submission message", "err", err)
	}
}

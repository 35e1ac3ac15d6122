// Package sqsgath sends run progress events to an SQS queue for consumers
// that poll rather than subscribe.
package sqsgath

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/airshed-lv/bsrun/api"
	"github.com/airshed-lv/bsrun/internal/collect"
	"github.com/airshed-lv/bsrun/internal/sandbox"
)

type sqsGatherer struct {
	sqsClient *sqs.Client
	queueUrl  string
	runUuid   string
}

// New creates an SQS gatherer sending to queueUrl.
func New(sqsClient *sqs.Client, runUuid string, queueUrl string) *sqsGatherer {
	return &sqsGatherer{
		sqsClient: sqsClient,
		queueUrl:  queueUrl,
		runUuid:   runUuid,
	}
}

func (s *sqsGatherer) send(msg interface{}) {
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal progress message", "err", err)
		return
	}
	_, err = s.sqsClient.SendMessage(context.TODO(), &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueUrl),
		MessageBody: aws.String(string(b)),
	})
	if err != nil {
		slog.Error("failed to send progress message to SQS", "err", err)
	}
}

func (s *sqsGatherer) StartRun(runID string, numStages int) {
	s.send(api.NewStartRun(s.runUuid, numStages))
}

func (s *sqsGatherer) ReachStage(name string, idx int) {
	s.send(api.NewReachStage(s.runUuid, name, idx))
}

func (s *sqsGatherer) StartAttempt(name string, attempt int) {
	s.send(api.NewStartAttempt(s.runUuid, name, attempt))
}

func (s *sqsGatherer) FinishAttempt(name string, attempt int, res *sandbox.Result) {
	s.send(api.NewFinishAttempt(s.runUuid, name, attempt, stageRun(res)))
}

func (s *sqsGatherer) RetryStage(name string, attempt int, backoff time.Duration) {
	s.send(api.NewRetryStage(s.runUuid, name, attempt, backoff))
}

func (s *sqsGatherer) FinishStage(outcome collect.StageOutcome) {
	s.send(api.NewFinishStage(s.runUuid, outcome.Stage, outcome.Ok,
		outcome.BestEffort, outcome.FailReason))
}

func (s *sqsGatherer) IgnoreStage(name string) {
	s.send(api.NewIgnoreStage(s.runUuid, name))
}

func (s *sqsGatherer) FinishRun(result *collect.RunResult) {
	var firstFailed *string
	if result.FirstFailed != "" {
		ff := result.FirstFailed
		firstFailed = &ff
	}
	var errMsg *string
	if result.Err != "" {
		e := result.Err
		errMsg = &e
	}
	s.send(api.NewFinishRun(s.runUuid, api.RunStatus(result.Status), firstFailed, errMsg))
}

func stageRun(res *sandbox.Result) *api.StageRun {
	if res == nil {
		return nil
	}
	run := &api.StageRun{
		ExitCode:   int64(res.ExitCode),
		TimedOut:   res.TimedOut,
		WallMillis: res.Duration.Milliseconds(),
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
	}
	if res.Signal != nil {
		sig := int64(*res.Signal)
		run.Signal = &sig
	}
	return run
}

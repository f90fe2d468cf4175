package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/staskh/idsync/config"
)

// receiveWaitSeconds is the long-poll window per receive call.
const receiveWaitSeconds = 20

// SQSAPI is the queue client subset the agent uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// Agent long-polls the automation queue and dispatches each message to its
// directory handler.
type Agent struct {
	queue SQSAPI
	dir   DirectoryWriter
	cfg   config.Config
	log   *slog.Logger
}

func New(queue SQSAPI, dir DirectoryWriter, cfg config.Config, logger *slog.Logger) *Agent {
	return &Agent{queue: queue, dir: dir, cfg: cfg, log: logger}
}

// Run polls until ctx is cancelled. Receive errors are logged and retried
// after a short pause rather than stopping the agent.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("automation agent started", "queue_url", a.cfg.AutomationQueueURL)
	for {
		if err := ctx.Err(); err != nil {
			a.log.Info("automation agent stopping")
			return err
		}
		if err := a.poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			a.log.Error("receive failed", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
		}
	}
}

// poll performs one receive and processes everything it returned.
func (a *Agent) poll(ctx context.Context) error {
	out, err := a.queue.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(a.cfg.AutomationQueueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     receiveWaitSeconds,
		VisibilityTimeout:   int32(a.cfg.VisibilityTimeout / time.Second),
	})
	if err != nil {
		return err
	}
	if len(out.Messages) == 0 {
		return nil
	}

	var done []types.DeleteMessageBatchRequestEntry
	for _, message := range out.Messages {
		if a.process(message) {
			done = append(done, types.DeleteMessageBatchRequestEntry{
				Id:            message.MessageId,
				ReceiptHandle: message.ReceiptHandle,
			})
		}
	}
	if len(done) == 0 {
		return nil
	}

	deleted, err := a.queue.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(a.cfg.AutomationQueueURL),
		Entries:  done,
	})
	if err != nil {
		// The work already happened; the message will redeliver after the
		// visibility window and the handler must tolerate the replay.
		a.log.Warn("failed to delete processed messages, they will redeliver",
			"count", len(done), "visibility_timeout", a.cfg.VisibilityTimeout, "error", err)
		return nil
	}
	for _, failure := range deleted.Failed {
		a.log.Warn("message delete rejected, it will redeliver",
			"message_id", aws.ToString(failure.Id),
			"code", aws.ToString(failure.Code),
			"visibility_timeout", a.cfg.VisibilityTimeout)
	}
	return nil
}

// process handles one message and reports whether it should be deleted.
func (a *Agent) process(message types.Message) bool {
	messageID := aws.ToString(message.MessageId)

	request, err := ParseRequest(aws.ToString(message.Body))
	if err != nil {
		a.log.Error("dropping malformed message", "message_id", messageID, "error", err)
		return true
	}
	if request.Kind == KindUnknown {
		a.log.Warn("dropping message with unknown namespace", "message_id", messageID)
		return true
	}

	a.log.Info("processing automation request",
		"message_id", messageID,
		"namespace", request.Kind.String(),
		"hostname", request.Hostname)

	switch request.Kind {
	case KindPresetComputer:
		err = a.presetComputer(request)
	case KindUpdateComputerDescription:
		err = a.updateComputerDescription(request)
	case KindDeleteComputer:
		err = a.deleteComputer(request)
	}
	if err == nil {
		return true
	}
	if retainForRetry(err) {
		a.log.Warn("automation request failed, leaving for redelivery",
			"message_id", messageID, "visibility_timeout", a.cfg.VisibilityTimeout, "error", err)
		return false
	}
	a.log.Error("automation request failed permanently, dropping",
		"message_id", messageID, "error", err)
	return true
}

// retainForRetry reports whether a failed request should stay on the queue
// for redelivery. Only failures proven terminal are dropped; anything
// unclassified is retried.
func retainForRetry(err error) bool {
	return !errors.Is(err, ErrTerminal)
}

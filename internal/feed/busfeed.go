// busfeed.go replaces original_source/honeysap/feeds/hpfeed.py's HPFeeds
// remote-bus sink. No Go HPFeeds client exists anywhere in the retrieved
// example corpus, so the remote-bus contract ("publish an event to a shared
// channel; a remote collector consumes it") is preserved instead on top of
// github.com/aws/aws-sdk-go-v2/service/sqs, a dependency already present in
// the teacher pack's connect/sqsx wiring.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/secureauth/honeysap/internal/session"
)

// BusFeed publishes events to (or consumes events from) an SQS queue,
// standing in for the original HPFeeds channel model: in honeypot mode Log
// publishes; in collector mode Consume long-polls and hands messages to the
// pipeline before deleting them.
type BusFeed struct {
	queueURL string
	client   *sqs.Client
	logger   *slog.Logger
}

// NewBusFeed creates a sink bound to queueURL; Setup resolves AWS
// credentials from the default provider chain (environment, shared config,
// instance role), matching the teacher corpus's aws-sdk-go-v2 usage pattern. logger
// scopes the SQS client's own transient failures (poll retries, delete
// failures) that Consume would otherwise swallow silently.
func NewBusFeed(queueURL string, logger *slog.Logger) *BusFeed {
	return &BusFeed{queueURL: queueURL, logger: logger}
}

func (f *BusFeed) Name() string { return "bus" }

func (f *BusFeed) Setup(ctx context.Context) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("feed: load AWS config: %w", err)
	}
	f.client = sqs.NewFromConfig(cfg)
	return nil
}

func (f *BusFeed) Stop(ctx context.Context) error {
	return nil
}

func (f *BusFeed) Log(ctx context.Context, event session.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("feed: marshal event: %w", err)
	}
	_, err = f.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(f.queueURL),
		MessageBody: aws.String(string(payload)),
	})
	if err != nil {
		return fmt.Errorf("feed: publish event to bus: %w", err)
	}
	return nil
}

// Consume long-polls the queue and delivers one session.Event per message
// onto out, deleting each message once delivered. It runs until ctx is
// cancelled.
func (f *BusFeed) Consume(ctx context.Context, out chan<- session.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := f.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(f.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
			MessageAttributeNames: []string{
				string(types.QueueAttributeNameAll),
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("busfeed: receive message failed, retrying", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range resp.Messages {
			var event session.Event
			if msg.Body != nil {
				if decoded, err := session.DecodeEvent([]byte(*msg.Body)); err == nil {
					event = decoded
				}
			}

			select {
			case out <- event:
			case <-ctx.Done():
				return ctx.Err()
			}

			if msg.ReceiptHandle != nil {
				if _, err := f.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      aws.String(f.queueURL),
					ReceiptHandle: msg.ReceiptHandle,
				}); err != nil {
					f.logger.Warn("busfeed: delete message failed", "error", err)
				}
			}
		}
	}
}

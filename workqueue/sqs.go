// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package workqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SQSClient is the subset of the SQS API used by this package.
type SQSClient interface {
	CreateQueue(context.Context, *sqs.CreateQueueInput, ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	SendMessage(context.Context, *sqs.SendMessageInput, ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(context.Context, *sqs.DeleteMessageInput, ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NewSQSClient creates a client from the default AWS configuration chain.
// An empty endpoint uses the regional AWS endpoint.
func NewSQSClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// sqsQueue resolves the queue URL once. CreateQueue returns the existing
// queue when one with the same name and attributes exists.
type sqsQueue struct {
	client SQSClient
	name   string

	mu  sync.Mutex
	url string
}

func (q *sqsQueue) resolve(ctx context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.url != "" {
		return q.url, nil
	}
	out, err := q.client.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(q.name)})
	if err != nil {
		return "", fmt.Errorf("failed to create queue %s: %w", q.name, err)
	}
	q.url = aws.ToString(out.QueueUrl)
	return q.url, nil
}

// SQSSender sends jobs to an SQS queue.
type SQSSender struct {
	queue *sqsQueue
}

// NewSQSSender returns a sender for the configured queue. The queue is
// created on first use.
func NewSQSSender(client SQSClient, opts ...Option) (*SQSSender, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqs sender config: %w", err)
	}
	return &SQSSender{queue: &sqsQueue{client: client, name: cfg.QueueName}}, nil
}

// Send implements Sender.
func (s *SQSSender) Send(ctx context.Context, body []byte) error {
	url, err := s.queue.resolve(ctx)
	if err != nil {
		return err
	}
	_, err = s.queue.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
	})
	return err
}

// SQSConsumer receives jobs from an SQS queue and dispatches them. A job
// is deleted from the queue only after its handler succeeded; failed jobs
// become visible again and are redelivered.
type SQSConsumer struct {
	cfg      Config
	queue    *sqsQueue
	handlers Handlers
}

// NewSQSConsumer returns a consumer of the configured queue.
func NewSQSConsumer(client SQSClient, handlers Handlers, opts ...Option) (*SQSConsumer, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqs consumer config: %w", err)
	}
	return &SQSConsumer{
		cfg:      cfg,
		queue:    &sqsQueue{client: client, name: cfg.QueueName},
		handlers: handlers,
	}, nil
}

// Run consumes jobs until ctx is done.
func (c *SQSConsumer) Run(ctx context.Context) error {
	url, err := c.queue.resolve(ctx)
	if err != nil {
		return err
	}
	logger := c.cfg.Logger.With(zap.String("queue", url))
	logger.Info("consuming work queue")

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = c.cfg.ReceiveBackoff
	bo.MaxElapsedTime = 0
	if bo.InitialInterval > bo.MaxInterval {
		bo.InitialInterval = bo.MaxInterval
	}
	bo.Reset()

	for ctx.Err() == nil {
		out, err := c.queue.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(url),
			MaxNumberOfMessages: c.cfg.MaxMessages,
			WaitTimeSeconds:     int32(c.cfg.WaitTime / time.Second),
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			wait := bo.NextBackOff()
			logger.Warn("failed to receive messages", zap.Duration("retry_in", wait), zap.Error(err))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
			continue
		}
		bo.Reset()

		var g errgroup.Group
		g.SetLimit(c.cfg.Concurrency)
		for _, msg := range out.Messages {
			msg := msg
			g.Go(func() error {
				c.handle(ctx, logger, url, msg)
				return nil
			})
		}
		_ = g.Wait()
	}
	logger.Info("stopped consuming work queue")
	return nil
}

func (c *SQSConsumer) handle(ctx context.Context, logger *zap.Logger, url string, msg types.Message) {
	logger = logger.With(zap.String("message_id", aws.ToString(msg.MessageId)))
	m, err := DecodeMessage([]byte(aws.ToString(msg.Body)))
	if err != nil {
		// Undecodable jobs would be redelivered forever.
		logger.Warn("discarding invalid message", zap.Error(err))
		c.delete(ctx, logger, url, msg)
		return
	}
	logger = logger.With(zap.String("action", m.Action), zap.Int64("bucket", int64(m.Bucket)))
	if err := c.handlers.Dispatch(ctx, m); err != nil {
		logger.Error("job failed, leaving it for redelivery", zap.Error(err))
		return
	}
	logger.Debug("job done")
	c.delete(ctx, logger, url, msg)
}

func (c *SQSConsumer) delete(ctx context.Context, logger *zap.Logger, url string, msg types.Message) {
	_, err := c.queue.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		logger.Warn("failed to delete message", zap.Error(err))
	}
}

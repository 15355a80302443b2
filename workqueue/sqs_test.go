// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package workqueue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mcstats/ping-aggregation/model"
)

const fakeQueueURL = "https://sqs.eu-west-1.amazonaws.com/123456789012/jobs"

type fakeSQS struct {
	mu          sync.Mutex
	created     []string
	createErr   error
	sent        []string
	pending     []types.Message
	deleted     []string
	receiveErrs int
	receives    int
	nextID      int
}

func (f *fakeSQS) CreateQueue(_ context.Context, in *sqs.CreateQueueInput, _ ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, aws.ToString(in.QueueName))
	return &sqs.CreateQueueOutput{QueueUrl: aws.String(fakeQueueURL)}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if aws.ToString(in.QueueUrl) != fakeQueueURL {
		return nil, errors.New("unknown queue")
	}
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	f.push(aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) push(body string) {
	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.pending = append(f.pending, types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
	})
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	f.receives++
	if f.receiveErrs > 0 {
		f.receiveErrs--
		f.mu.Unlock()
		return nil, errors.New("throttled")
	}
	n := int(in.MaxNumberOfMessages)
	if n > len(f.pending) {
		n = len(f.pending)
	}
	msgs := f.pending[:n:n]
	f.pending = f.pending[n:]
	f.mu.Unlock()

	if len(msgs) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func TestSQSSenderCreatesQueueOnce(t *testing.T) {
	fake := &fakeSQS{}
	sender, err := NewSQSSender(fake, WithQueueName("jobs"), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	c := NewClient(sender)

	require.NoError(t, c.SignalAccumulate(context.Background(), 1800))
	require.NoError(t, c.SignalGenerate(context.Background(), 1800))
	assert.Equal(t, []string{"jobs"}, fake.created)
	assert.Equal(t, []string{
		`{"type":"plugin","action":"accumulate","bucket":1800}`,
		`{"type":"plugin","action":"generate","bucket":1800}`,
	}, fake.sent)
}

func TestSQSSenderDoesNotRetry(t *testing.T) {
	fake := &fakeSQS{createErr: errors.New("access denied")}
	sender, err := NewSQSSender(fake, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	assert.ErrorContains(t, sender.Send(context.Background(), []byte("{}")), "access denied")
	assert.Empty(t, fake.sent)

	// The queue is resolved again on the next call.
	fake.createErr = nil
	require.NoError(t, sender.Send(context.Background(), []byte("{}")))
	assert.Equal(t, []string{DefaultQueueName}, fake.created)
}

func TestSQSConsumer(t *testing.T) {
	fake := &fakeSQS{receiveErrs: 2}
	fake.push(`{"type":"plugin","action":"accumulate","bucket":1800}`)
	fake.push(`{"type":"plugin","action":"generate","bucket":1800}`)
	fake.push(`not json`)
	fake.push(`{"type":"plugin","action":"accumulate","bucket":1800}`)

	var (
		mu          sync.Mutex
		accumulated []model.Bucket
	)
	handlers := Handlers{
		Accumulate: func(_ context.Context, b model.Bucket) error {
			mu.Lock()
			defer mu.Unlock()
			accumulated = append(accumulated, b)
			return nil
		},
		Generate: func(context.Context, model.Bucket) error {
			return errors.New("store unavailable")
		},
	}
	consumer, err := NewSQSConsumer(fake, handlers,
		WithQueueName("jobs"),
		WithPolling(2, time.Second),
		WithReceiveBackoff(time.Millisecond),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(fake.deletedHandles()) == 3
	}, 5*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	// The failed generate job stays on the queue; redelivery is repeated
	// accumulation, which is safe.
	assert.ElementsMatch(t, []string{"rh-1", "rh-3", "rh-4"}, fake.deletedHandles())
	assert.Equal(t, []model.Bucket{1800, 1800}, accumulated)
	assert.GreaterOrEqual(t, fake.receives, 4)
}

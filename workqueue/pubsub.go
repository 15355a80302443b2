// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package workqueue

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PubSubSender publishes jobs to a Cloud Pub/Sub topic named after the
// queue. The topic is created on first use if it does not exist.
type PubSubSender struct {
	client *pubsub.Client
	name   string

	mu    sync.Mutex
	topic *pubsub.Topic
}

// NewPubSubSender returns a sender publishing through client.
func NewPubSubSender(client *pubsub.Client, opts ...Option) (*PubSubSender, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub sender config: %w", err)
	}
	return &PubSubSender{client: client, name: cfg.QueueName}, nil
}

func (s *PubSubSender) resolve(ctx context.Context) (*pubsub.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topic != nil {
		return s.topic, nil
	}
	topic, err := s.client.CreateTopic(ctx, s.name)
	if status.Code(err) == codes.AlreadyExists {
		topic, err = s.client.Topic(s.name), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create topic %s: %w", s.name, err)
	}
	s.topic = topic
	return topic, nil
}

// Send implements Sender. It waits until the server acknowledged the
// message.
func (s *PubSubSender) Send(ctx context.Context, body []byte) error {
	topic, err := s.resolve(ctx)
	if err != nil {
		return err
	}
	_, err = topic.Publish(ctx, &pubsub.Message{Data: body}).Get(ctx)
	return err
}

// Stop flushes pending publishes and stops the publisher goroutines.
func (s *PubSubSender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topic != nil {
		s.topic.Stop()
	}
}

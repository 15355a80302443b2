// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package workqueue signals accumulation and generation jobs through a
// durable message queue and dispatches the jobs it receives.
//
// Delivery is at least once and unordered. The bucket is the only
// correlation key, so handlers must tolerate running a job twice.
package workqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcstats/ping-aggregation/model"
)

// TypePlugin is the only job type in use.
const TypePlugin = "plugin"

const (
	ActionAccumulate = "accumulate"
	ActionGenerate   = "generate"
)

// Message is the body of a job.
type Message struct {
	Type   string       `json:"type"`
	Action string       `json:"action"`
	Bucket model.Bucket `json:"bucket"`
}

// DecodeMessage parses a job body.
func DecodeMessage(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if m.Type != TypePlugin {
		return Message{}, fmt.Errorf("unsupported message type %q", m.Type)
	}
	switch m.Action {
	case ActionAccumulate, ActionGenerate:
	default:
		return Message{}, fmt.Errorf("unsupported action %q", m.Action)
	}
	return m, nil
}

// Sender delivers encoded jobs to a queue.
type Sender interface {
	Send(ctx context.Context, body []byte) error
}

// Client signals jobs for buckets. It does not retry; durability and
// redelivery belong to the queue behind the Sender.
type Client struct {
	sender Sender
}

// NewClient returns a client sending through s.
func NewClient(s Sender) *Client {
	return &Client{sender: s}
}

// SignalAccumulate requests accumulation of bucket.
func (c *Client) SignalAccumulate(ctx context.Context, bucket model.Bucket) error {
	return c.signal(ctx, ActionAccumulate, bucket)
}

// SignalGenerate requests a generation run for bucket.
func (c *Client) SignalGenerate(ctx context.Context, bucket model.Bucket) error {
	return c.signal(ctx, ActionGenerate, bucket)
}

func (c *Client) signal(ctx context.Context, action string, bucket model.Bucket) error {
	body, err := json.Marshal(Message{Type: TypePlugin, Action: action, Bucket: bucket})
	if err != nil {
		return err
	}
	if err := c.sender.Send(ctx, body); err != nil {
		return fmt.Errorf("failed to signal %s of bucket %d: %w", action, bucket, err)
	}
	return nil
}

// HandlerFunc runs one job.
type HandlerFunc func(ctx context.Context, bucket model.Bucket) error

// Handlers maps actions to their handlers.
type Handlers struct {
	Accumulate HandlerFunc
	Generate   HandlerFunc
}

// Dispatch runs the handler registered for m.Action.
func (h Handlers) Dispatch(ctx context.Context, m Message) error {
	var fn HandlerFunc
	switch m.Action {
	case ActionAccumulate:
		fn = h.Accumulate
	case ActionGenerate:
		fn = h.Generate
	}
	if fn == nil {
		return fmt.Errorf("no handler for action %q", m.Action)
	}
	return fn(ctx, m.Bucket)
}

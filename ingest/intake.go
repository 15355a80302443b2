// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ingest

import (
	"errors"

	"github.com/mcstats/ping-aggregation/decoder"
	"github.com/mcstats/ping-aggregation/model"
)

// ErrIgnored is returned for reports arriving while intake is paused.
var ErrIgnored = errors.New("report ignored while graphs are generated")

// Submitter accepts decoded reports.
type Submitter interface {
	Submit(*model.DecodedRequest) error
}

// Intake is the entry point for raw reports of a transport handler.
type Intake struct {
	decoder   decoder.Decoder
	submitter Submitter
	gate      *Gate
}

// NewIntake returns an intake decoding with d and submitting to s. A nil
// gate never pauses.
func NewIntake(d decoder.Decoder, s Submitter, gate *Gate) *Intake {
	return &Intake{decoder: d, submitter: s, gate: gate}
}

// Handle decodes a raw report body for pluginID and submits it. It returns
// ErrIgnored while the gate is paused and decoder.ErrRejected for invalid
// reports.
func (in *Intake) Handle(pluginID int, body []byte) error {
	if in.gate != nil && in.gate.Paused() {
		return ErrIgnored
	}
	req, err := in.decoder.Decode(pluginID, body)
	if err != nil {
		return err
	}
	return in.submitter.Submit(req)
}

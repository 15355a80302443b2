// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mcstats/ping-aggregation/ingest"
	"github.com/mcstats/ping-aggregation/workqueue"
)

var signalCmd = &cobra.Command{
	Use:   "signal accumulate|generate",
	Short: "queue an accumulation or generation job for a bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action := args[0]
		if action != workqueue.ActionAccumulate && action != workqueue.ActionGenerate {
			return fmt.Errorf("unknown action %q", action)
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			sender, err := a.sender(ctx)
			if err != nil {
				return err
			}
			client := workqueue.NewClient(sender)
			bucket := targetBucket(time.Now())
			if action == workqueue.ActionAccumulate {
				err = client.SignalAccumulate(ctx, bucket)
			} else {
				err = client.SignalGenerate(ctx, bucket)
			}
			if err != nil {
				return err
			}
			a.logger.Info("job queued", zap.String("action", action), zap.Int64("bucket", int64(bucket)))
			return nil
		})
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "accumulate a bucket and generate its graphs in process",
	Long: `
Accumulate reads the reports ingested for the bucket into the plugin catalog,
then runs every aggregator and publishes the generated columns. Plugin records
are written to MySQL before the command exits.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			p, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			bucket := targetBucket(time.Now())
			runErr := p.accumulator.Accumulate(ctx, bucket)
			if runErr == nil {
				runErr = p.generator.Run(ctx, bucket)
			}
			return errors.Join(runErr, p.saves.Flush(context.WithoutCancel(ctx)))
		})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "consume accumulation and generation jobs from the work queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if a.cfg.Queue.Backend != backendSQS {
				return fmt.Errorf("worker requires the %s queue backend", backendSQS)
			}
			p, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			client, err := workqueue.NewSQSClient(ctx, a.cfg.Queue.Region, a.cfg.Queue.Endpoint)
			if err != nil {
				return err
			}
			consumer, err := workqueue.NewSQSConsumer(client, p.handlers(), a.queueOptions()...)
			if err != nil {
				return err
			}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return p.saves.Run(gctx) })
			g.Go(func() error { return consumer.Run(gctx) })
			return g.Wait()
		})
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay [file]",
	Short: "ingest recorded report bodies",
	Long: `
Replay reads one report per line, a plugin id and the raw form body separated
by a tab, from the file or stdin. Reports are decoded and written to the
accumulation store by the ingestion workers. With --bucket set, an
accumulation job for the bucket is queued once every report was written.
`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := io.Reader(os.Stdin)
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			accepted, rejected, err := a.ingestReports(ctx, in)
			a.logger.Info("replay done", zap.Int("accepted", accepted), zap.Int("rejected", rejected))
			if err != nil || bucketFlag == 0 {
				return err
			}
			sender, err := a.sender(ctx)
			if err != nil {
				return err
			}
			return workqueue.NewClient(sender).SignalAccumulate(ctx, targetBucket(time.Now()))
		})
	},
}

// ingestReports replays r through the ingestion workers and waits until
// every accepted report was written to the accumulation store.
func (a *app) ingestReports(ctx context.Context, r io.Reader) (accepted, rejected int, err error) {
	store, err := a.accumulatorStore()
	if err != nil {
		return 0, 0, err
	}
	ic := a.cfg.Ingest
	proc, err := ingest.New(store,
		ingest.WithWorkers(ic.Workers),
		ingest.WithBatchSize(ic.BatchSize),
		ingest.WithIdleInterval(ic.IdleInterval),
		ingest.WithFlushRetry(ic.FlushRetries, 100*time.Millisecond),
		ingest.WithLogger(a.logger.Named("ingest")),
	)
	if err != nil {
		return 0, 0, err
	}
	if err := proc.Start(); err != nil {
		return 0, 0, err
	}
	accepted, rejected, readErr := replay(r, a.intake(proc))
	drainErr := proc.Drain(ctx)
	if err := proc.Shutdown(context.WithoutCancel(ctx)); err != nil {
		return accepted, rejected, errors.Join(readErr, drainErr, err)
	}
	if remaining := proc.Size(); remaining > 0 {
		drainErr = errors.Join(drainErr, fmt.Errorf("%d reports were not written", remaining))
	}
	return accepted, rejected, errors.Join(readErr, drainErr)
}

// replay feeds every line of r to intake and counts the outcomes.
func replay(r io.Reader, intake *ingest.Intake) (accepted, rejected int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		pluginID, body, err := parseReplayLine(line)
		if err == nil {
			err = intake.Handle(pluginID, body)
		}
		if err != nil {
			rejected++
			continue
		}
		accepted++
	}
	return accepted, rejected, sc.Err()
}

func parseReplayLine(line string) (int, []byte, error) {
	id, body, ok := strings.Cut(line, "\t")
	if !ok {
		return 0, nil, errors.New("missing tab separator")
	}
	pluginID, err := strconv.Atoi(strings.TrimSpace(id))
	if err != nil {
		return 0, nil, fmt.Errorf("invalid plugin id: %w", err)
	}
	return pluginID, []byte(body), nil
}

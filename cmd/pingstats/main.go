// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Command pingstats runs the accumulation and graph generation jobs of the
// plugin statistics pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcstats/ping-aggregation/model"
)

var (
	configPath string
	bucketFlag int64
)

var rootCmd = &cobra.Command{
	Use:          "pingstats",
	Short:        "plugin statistics accumulation and graph generation",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	for _, cmd := range []*cobra.Command{signalCmd, generateCmd, replayCmd} {
		cmd.Flags().Int64Var(&bucketFlag, "bucket", 0,
			"bucket to act on, as the epoch second of its start; defaults to the last complete bucket")
	}
	rootCmd.AddCommand(signalCmd, generateCmd, workerCmd, replayCmd)
}

// targetBucket returns the bucket named by --bucket, normalised, or the
// bucket before the current one.
func targetBucket(now time.Time) model.Bucket {
	if bucketFlag != 0 {
		return model.BucketOf(time.Unix(bucketFlag, 0))
	}
	return model.BucketOf(now).Prev()
}

// withApp loads the configuration, runs fn and releases what fn opened.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(cmd.Context(), a)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/xraph/flowbridge/store"
)

var errNotFound = errors.New("not found")

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the backend schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd, func(ctx context.Context, s store.Store) (any, error) {
				if err := s.Migrate(ctx); err != nil {
					return nil, err
				}
				return map[string]string{"status": "migrated", "backend": c.cfg.Correlation.Backend}, nil
			})
		},
	}
}

func newPingCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check backend connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd, func(ctx context.Context, s store.Store) (any, error) {
				start := time.Now()
				if err := s.Ping(ctx); err != nil {
					return nil, err
				}
				return map[string]any{
					"status":     "ok",
					"backend":    c.cfg.Correlation.Backend,
					"latency_ms": time.Since(start).Milliseconds(),
				}, nil
			})
		},
	}
}

type mappingRow struct {
	JobID      string `json:"job_id"`
	InstanceID string `json:"instance_id"`
}

func newMappingsCmd(c *cli) *cobra.Command {
	var match string
	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "List job to instance mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var g glob.Glob
			if match != "" {
				var err error
				if g, err = glob.Compile(match); err != nil {
					return fmt.Errorf("invalid --match pattern: %w", err)
				}
			}
			return c.withStore(cmd, func(ctx context.Context, s store.Store) (any, error) {
				all, err := s.Mappings(ctx)
				if err != nil {
					return nil, err
				}
				rows := make([]mappingRow, 0, len(all))
				for jobID, instanceID := range all {
					if g != nil && !g.Match(jobID) {
						continue
					}
					rows = append(rows, mappingRow{JobID: jobID, InstanceID: instanceID})
				}
				sort.Slice(rows, func(i, j int) bool { return rows[i].JobID < rows[j].JobID })
				return rows, nil
			})
		},
	}
	cmd.Flags().StringVar(&match, "match", "", "Only job ids matching this glob, e.g. 'job_01h*'")
	return cmd
}

func newLookupCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <job-id>",
		Short: "Show the workflow instance a job launched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, s store.Store) (any, error) {
				instanceID, err := s.InstanceIDFor(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if instanceID == "" {
					return nil, fmt.Errorf("job %s: %w", args[0], errNotFound)
				}
				return mappingRow{JobID: args[0], InstanceID: instanceID}, nil
			})
		},
	}
}

func newJobCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "job <instance-id>",
		Short: "Show the job that launched a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, s store.Store) (any, error) {
				jobID, err := s.JobIDFor(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if jobID == "" {
					return nil, fmt.Errorf("instance %s: %w", args[0], errNotFound)
				}
				return mappingRow{JobID: jobID, InstanceID: args[0]}, nil
			})
		},
	}
}

func newResultCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "result <instance-id>",
		Short: "Show the outcome recorded for a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, s store.Store) (any, error) {
				o, err := s.ResultFor(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if o == nil {
					return nil, fmt.Errorf("outcome of instance %s: %w", args[0], errNotFound)
				}
				return o, nil
			})
		},
	}
}

func newRemoveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Delete a job's mapping and the instance's outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, s store.Store) (any, error) {
				removed, err := s.RemoveMapping(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return map[string]any{"job_id": args[0], "removed": removed}, nil
			})
		},
	}
}

func newPurgeCmd(c *cli) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge --older-than <duration>",
		Short: "Delete mappings created before now minus the given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be a positive duration")
			}
			cutoff := time.Now().UTC().Add(-olderThan)
			return c.withStore(cmd, func(ctx context.Context, s store.Store) (any, error) {
				n, err := s.PurgeOlderThan(ctx, cutoff)
				if err != nil {
					return nil, err
				}
				return map[string]any{"removed": n, "cutoff": cutoff}, nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age threshold, e.g. 720h")
	_ = cmd.MarkFlagRequired("older-than")
	return cmd
}

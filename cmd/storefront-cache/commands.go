package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
	"github.com/Sternrassler/storefront-cache/pkg/config"
	"github.com/Sternrassler/storefront-cache/pkg/connectivity"
	"github.com/Sternrassler/storefront-cache/pkg/records"
)

var (
	clearAll   bool
	initForce  bool
	getRecords bool
)

func init() {
	clearCmd.Flags().BoolVar(&clearAll, "all", false, "clear every category except preserved ones")
	getCmd.Flags().BoolVar(&getRecords, "record", false, "read a product record instead of a cache key")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")

	rootCmd.AddCommand(clearCmd, getCmd, keysCmd, statusCmd, configCmd)
	configCmd.AddCommand(configShowCmd, configInitCmd)
}

// withApp loads the configuration, wires the components and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(cmd.Context(), a)
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear user-scoped cache entries, or everything with --all",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if clearAll {
				if err := a.cache.ClearAll(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cleared cache (preserved categories kept)")
				return nil
			}
			if err := a.cache.ClearUserScoped(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cleared user data")
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a cached entry, e.g. productsData_websites",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if getRecords {
				return printRecord(ctx, cmd.OutOrStdout(), a.records, args[0])
			}
			return printEntry(ctx, cmd.OutOrStdout(), a.cache, cache.ParseKey(args[0]))
		})
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the cached keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			keys, err := a.cache.Keys(ctx)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(keys))
			for _, k := range keys {
				names = append(names, k.String())
			}
			sort.Strings(names)
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		})
	},
}

func printEntry(ctx context.Context, w io.Writer, m *cache.Manager, key cache.Key) error {
	entry, err := m.Get(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		fmt.Fprintf(w, "%s: not cached\n", key)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Key:     %s\n", key)
	fmt.Fprintf(w, "Written: %s (%s ago)\n", entry.WrittenAt().Format(time.RFC3339), entry.Age(m.Now()).Round(time.Second))
	if entry.ETag != "" {
		fmt.Fprintf(w, "ETag:    %s\n", entry.ETag)
	}
	return printJSON(w, entry.Data)
}

func printRecord(ctx context.Context, w io.Writer, s *records.Store, id string) error {
	rec, err := s.Get(ctx, id)
	if errors.Is(err, records.ErrNotFound) {
		fmt.Fprintf(w, "%s: no record\n", id)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "ID:       %s\n", rec.ID)
	fmt.Fprintf(w, "Category: %s\n", rec.Category)
	fmt.Fprintf(w, "Updated:  %s (stale: %t)\n", rec.UpdatedAt().Format(time.RFC3339), s.IsStale(rec))
	return printJSON(w, json.RawMessage(rec.Payload))
}

func printJSON(w io.Writer, data json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend reachability and cache contents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration:")
			fmt.Fprintf(out, "  Backend: %s\n", a.cfg.Backend.BaseURL)
			fmt.Fprintf(out, "  Store:   %s\n", a.cfg.Cache.Store)
			fmt.Fprintf(out, "  Records: %s\n", a.cfg.Records.Driver)

			fmt.Fprintln(out)
			fmt.Fprintln(out, "Connectivity:")
			if a.redis != nil {
				recorded, err := connectivity.LoadRecorded(ctx, a.redis)
				switch {
				case errors.Is(err, connectivity.ErrNoRecordedStatus):
					fmt.Fprintln(out, "  Daemon:  (no status recorded)")
				case err != nil:
					fmt.Fprintf(out, "  Daemon:  error: %v\n", err)
				default:
					fmt.Fprintf(out, "  Daemon:  %s since %s\n", recorded, recorded.ChangedAt.Format(time.RFC3339))
				}
			}

			probeCtx, cancel := context.WithTimeout(ctx, a.cfg.Connectivity.ProbeTimeout.Std())
			defer cancel()
			probe := &connectivity.HTTPProbe{URL: a.cfg.ProbeURL()}
			if err := probe.Probe(probeCtx); err != nil {
				fmt.Fprintf(out, "  Probe:   offline (%v)\n", err)
			} else {
				fmt.Fprintln(out, "  Probe:   online")
			}

			keys, err := a.cache.Keys(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Cache:     %d keys\n", len(keys))
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the storefront-cache configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration, environment overrides included",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the defaults",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := os.Stat(configPath); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
		}
		if err := config.Save(configPath, config.Default()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
		return nil
	},
}

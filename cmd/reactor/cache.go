package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corewire/reactor/internal/rtconfig"
	"github.com/corewire/reactor/pkg/cache"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect cache configuration",
	}
	cmd.AddCommand(newCacheStatsCommand())
	return cmd
}

func newCacheStatsCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the effective cache policy loaded from reactor.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rtconfig.Load(configPath)
			if err != nil {
				return fmt.Errorf("reactor: loading config: %w", err)
			}
			c := cache.New()
			cfg.ApplyCache(c)
			stats := c.Stats()

			fmt.Printf("maxEntries:     %d\n", cfg.Cache.MaxEntries)
			fmt.Printf("warnOnEviction: %v\n", cfg.Cache.WarnOnEviction == nil || *cfg.Cache.WarnOnEviction)
			fmt.Printf("entries:        %d\n", stats.EntryCount)
			fmt.Printf("hits:           %d\n", stats.Hits)
			fmt.Printf("misses:         %d\n", stats.Misses)
			fmt.Printf("evictions:      %d\n", stats.Evictions)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "reactor.yaml", "Path to the runtime config file")
	return cmd
}

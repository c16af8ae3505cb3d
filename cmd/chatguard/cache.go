package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/donezo/chatguard/internal/cache"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the scan result cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(*configPath, func(rc *cache.ResultCache) error {
				stats, err := rc.GetStats(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every cached scan result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(*configPath, func(rc *cache.ResultCache) error {
				n, err := rc.Clear(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d cached results\n", n)
				return nil
			})
		},
	})

	return cmd
}

func withCache(configPath string, fn func(*cache.ResultCache) error) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	if !cfg.Cache.Enabled {
		return errors.New("cache is disabled (set cache.enabled)")
	}

	rc, err := cache.NewResultCache(cacheConfig(cfg), log.WithComponent("cache").Logger)
	if err != nil {
		return err
	}
	defer rc.Close()

	return fn(rc)
}

package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/stepflow/internal/config"
	"github.com/fyrsmithlabs/stepflow/internal/logging"
	"github.com/fyrsmithlabs/stepflow/internal/stepcache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and clear the step outcome cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entry count and size",
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached step outcome",
	RunE:  runCacheClear,
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func openCache() (*stepcache.Cache, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	dir := cfg.Cache.Dir
	if dir == "" {
		stateDir := cfg.Run.StateDir
		if !filepath.IsAbs(stateDir) {
			stateDir = filepath.Join(workDir, stateDir)
		}
		dir = filepath.Join(stateDir, "cache")
	}
	return stepcache.New(stepcache.Config{Dir: dir, TTL: cfg.Cache.TTL}, logger.Named("cache")), nil
}

func runCacheStats(cmd *cobra.Command, _ []string) error {
	cache, err := openCache()
	if err != nil {
		return err
	}
	stats, err := cache.Stats()
	if err != nil {
		return err
	}
	cmd.Printf("entries: %d\nsize: %d bytes\n", stats.Entries, stats.SizeBytes)
	return nil
}

func runCacheClear(cmd *cobra.Command, _ []string) error {
	cache, err := openCache()
	if err != nil {
		return err
	}
	n, err := cache.Clear()
	if err != nil {
		return err
	}
	cmd.Printf("removed %d entries\n", n)
	return nil
}

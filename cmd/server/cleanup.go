package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"Lazythumb/internal/core/lazyload"
)

func newCleanupCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one TTL and LRU retention pass over the disk cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadViper(*configFile)
			if err != nil {
				return err
			}
			srvCfg := serverConfigFromViper(v)
			setupLogger(srvCfg.LogLevel, srvCfg.LogFormat)

			cfg, err := lazyload.ConfigFromViper(v)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if cfg.CacheBackend != lazyload.BackendDisk {
				return errors.New("cleanup only applies to the disk cache backend")
			}

			store, err := lazyload.NewDiskStore(cfg.CachePath, cfg.CacheMaxGB, cfg.CacheTTLDays)
			if err != nil {
				return err
			}

			before, err := store.GetCacheSize()
			if err != nil {
				return err
			}
			removed, err := store.Cleanup()
			if err != nil {
				return err
			}
			after, err := store.GetCacheSize()
			if err != nil {
				return err
			}

			slog.Info("[LAZYLOAD-CACHE] cleanup finished",
				"removed", removed,
				"bytes_before", before,
				"bytes_after", after,
			)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries, cache size %d -> %d bytes\n", removed, before, after)
			return nil
		},
	}
}

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var errNoCache = errors.New("no disk cache configured (use --cache-dir or disk_cache.dir)")

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or purge the disk cache",
}

var cacheStatCmd = &cobra.Command{
	Use:   "stat",
	Short: "Print disk cache usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := loader.Cache()
		if c == nil {
			return errNoCache
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dir\t%s\nentries\t%d\nbytes\t%d\nread_only\t%t\n",
			c.Dir(), c.Len(), c.Size(), c.ReadOnly())
		return nil
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge [key]...",
	Short: "Remove the given keys, or every entry when none are given",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := loader.Cache()
		if c == nil {
			return errNoCache
		}
		if len(args) == 0 {
			return c.Clear()
		}
		for _, key := range args {
			if err := c.Remove(key); err != nil {
				return fmt.Errorf("remove %s: %w", key, err)
			}
		}
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatCmd, cachePurgeCmd)
}

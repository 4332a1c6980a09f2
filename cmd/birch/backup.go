package birch

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/birchdb/birch/pkg/kv"
)

var backupCmd = &cobra.Command{
	Use:   "backup [path]",
	Short: "writes a streaming snapshot of the store to path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.Backup(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("backup written to %s\n", args[0])
		return nil
	},
}

var restoreMerge bool

var restoreCmd = &cobra.Command{
	Use:   "restore [path]",
	Short: "restores the store from a backup file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := kv.RestoreOptions{Merge: restoreMerge}
		if err := store.Restore(context.Background(), args[0], opts); err != nil {
			return err
		}
		fmt.Println("restore successful")
		return nil
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups [dir]",
	Short: "lists backup files in dir, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		infos, err := store.ListBackups(args[0])
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Printf("%-30s version=%-8s entries=%-6d size=%d %s\n",
				info.File, info.Version, info.Entries, info.Size, info.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
		}
		return nil
	},
}

func init() {
	restoreCmd.Flags().BoolVar(&restoreMerge, "merge", false, "union with existing entries instead of replacing them; incoming values win on conflict")
}

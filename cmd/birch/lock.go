package birch

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/birchdb/birch/pkg/lockmgr"
)

var lockTimeout time.Duration

var lockCmd = &cobra.Command{
	Use:   "lock [key]",
	Short: "acquires an exclusive, TTL-bounded lock on key",
	Long: `Acquires a lock on key and prints its owner token on success. The
caller must remember the token and pass it to "birch unlock" to release
the lock before --timeout expires.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lm := lockmgr.New(store)
		ok, owner, err := lm.AcquireLock(context.Background(), args[0], lockTimeout)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("lock held by another owner")
			return nil
		}
		fmt.Printf("acquired, owner=%s\n", owner)
		return nil
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock [key] [owner]",
	Short: "releases a lock previously acquired with the given owner token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lm := lockmgr.New(store)
		ok, err := lm.ReleaseLock(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("not the lock owner, nothing released")
			return nil
		}
		fmt.Println("released")
		return nil
	},
}

func init() {
	lockCmd.Flags().DurationVar(&lockTimeout, "timeout", 30*time.Second, "lock TTL; 0 never expires")
}

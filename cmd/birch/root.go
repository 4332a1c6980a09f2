package birch

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/birchdb/birch/internal/config"
	"github.com/birchdb/birch/internal/logging"
	"github.com/birchdb/birch/pkg/backend"
	"github.com/birchdb/birch/pkg/backend/docfile"
	"github.com/birchdb/birch/pkg/backend/tablefile"
	"github.com/birchdb/birch/pkg/kv"
)

const Version = "0.1.0"

var log = logging.Get("birch")

// store is the Store every subcommand except version and serve operates
// against. RootCmd's PersistentPreRunE opens it; PersistentPostRunE
// closes it.
var store *kv.Store

var RootCmd = &cobra.Command{
	Use:   "birch",
	Short: "embedded key-value store",
	Long: fmt.Sprintf(`birch (v%s)

An embedded, single-process key-value store with an in-memory LRU+TTL
cache, write-batch coalescing, change notifications, and a streaming
query planner over a document-file or table (SQLite) backend.`, Version),
	PersistentPreRunE:  openStore,
	PersistentPostRunE: closeStore,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the birch version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(Version)
		return nil
	},
}

func init() {
	cobra.OnInitialize(config.Init)

	RootCmd.PersistentFlags().String("backend", "docfile", "storage backend: docfile or tablefile")
	RootCmd.PersistentFlags().String("path", "birch.json", "path to the backend's data file")
	RootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	if err := config.BindFlags(RootCmd); err != nil {
		panic(err)
	}

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(getCmd, setCmd, delCmd, hasCmd, pushCmd, pullCmd, addCmd, subtractCmd)
	RootCmd.AddCommand(queryCmd)
	RootCmd.AddCommand(watchCmd)
	RootCmd.AddCommand(backupCmd, restoreCmd, backupsCmd)
	RootCmd.AddCommand(lockCmd, unlockCmd)
	RootCmd.AddCommand(serveCmd)

	// version needs neither the store nor its flags validated up front.
	versionCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error { return nil }
	versionCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error { return nil }
}

// openStore builds the backend named by --backend and opens a Store over
// it, following the Options table resolution cmd/kv/root.go's
// setupKVClient performs for the RPC client: bind flags, load
// configuration, construct the connection.
func openStore(cmd *cobra.Command, args []string) error {
	logging.SetGlobalLevel(logging.ParseLevel(viper.GetString("log-level")))

	opts, err := config.FromViper()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var be backend.Backend
	switch viper.GetString("backend") {
	case "docfile":
		be = docfile.New(docfile.Options{Path: viper.GetString("path")})
	case "tablefile":
		be = tablefile.New(tablefile.Options{Path: viper.GetString("path"), WALMode: opts.WALMode})
	default:
		return fmt.Errorf("unknown backend %q, want docfile or tablefile", viper.GetString("backend"))
	}

	ctx := context.Background()
	s, err := kv.Open(ctx, be, opts)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	store = s
	return nil
}

func closeStore(cmd *cobra.Command, args []string) error {
	if store == nil {
		return nil
	}
	return store.Destroy(context.Background(), true)
}

// Execute runs the command tree, exiting with status 1 on error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

package birch

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/birchdb/birch/pkg/admin"
)

var (
	serveAddr        string
	serveLogInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "opens the store and serves its /metrics endpoint until interrupted",
	Long: `Opens the store exactly as every other command does, then blocks
serving a Prometheus-text /metrics endpoint and logging batch-flush and
transaction-commit latency on an interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := admin.New(store)
		defer srv.Close()
		return srv.ListenAndServe(serveAddr, serveLogInterval)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":9090", "address to serve /metrics on")
	serveCmd.Flags().DurationVar(&serveLogInterval, "log-interval", 30*time.Second, "interval between latency summary log lines")
}

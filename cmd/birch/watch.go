package birch

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/birchdb/birch/pkg/kv/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch [pattern]",
	Short: "prints change notifications matching pattern until interrupted",
	Long: `Subscribes to key changes and prints one JSON line per event.

pattern is matched three ways: an exact key, a prefix ending in "*",
or a full regular expression wrapped in slashes (e.g. "/^user:[0-9]+$/").`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	id, err := store.Watch(args[0], func(ev watch.Event) {
		printEvent(ev)
	})
	if err != nil {
		return err
	}
	defer store.Unwatch(id)

	fmt.Fprintf(cmd.ErrOrStderr(), "watching %q, press ctrl-c to stop\n", args[0])

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

func printEvent(ev watch.Event) {
	line := struct {
		Type      watch.EventType `json:"type"`
		Key       string          `json:"key"`
		Value     any             `json:"value,omitempty"`
		OldValue  any             `json:"oldValue,omitempty"`
		Timestamp string          `json:"timestamp"`
	}{
		Type:      ev.Type,
		Key:       ev.Key,
		Value:     ev.Value,
		OldValue:  ev.OldValue,
		Timestamp: ev.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	b, err := json.Marshal(line)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(string(b))
}

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabsync-dev/tabsync"
	"github.com/tabsync-dev/tabsync/pkg/channel"
	"github.com/tabsync-dev/tabsync/pkg/store"
)

func demoCmd() *cobra.Command {
	var (
		tabs    int
		logJSON bool
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Simulate tabs converging over a shared store",
		Long: `Attach several instances to one in-memory store, have one of them
write shared state, and show the others converge. A demonstration of the
synchronization core, not a service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(logJSON)
			slog.SetDefault(log)

			st := store.NewMemoryStore()
			defer st.Close()

			instances := make([]*tabsync.Instance, 0, tabs)
			for i := 0; i < tabs; i++ {
				in, err := tabsync.New(st, tabsync.Config{
					InstanceID: fmt.Sprintf("tab-%d", i+1),
					Logger:     log,
				})
				if err != nil {
					return err
				}
				defer in.Close()
				instances = append(instances, in)
			}

			type shared struct {
				WalletID string `json:"walletId"`
			}
			def, _ := json.Marshal(shared{})

			channels := make([]*channel.Channel[json.RawMessage], 0, tabs)
			for _, in := range instances {
				ch := in.Acquire("shared:demo", def, true)
				defer in.Release("shared:demo")
				channels = append(channels, ch)
			}

			next, _ := json.Marshal(shared{WalletID: "w1"})
			instances[0].Acquire("shared:demo", def, false).Set(next)
			defer instances[0].Release("shared:demo")

			time.Sleep(100 * time.Millisecond)

			for i, ch := range channels {
				fmt.Printf("%s sees %s\n", instances[i].ID(), ch.Get())
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&tabs, "tabs", "t", 3, "Number of simulated tabs")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Emit JSON logs")

	return cmd
}
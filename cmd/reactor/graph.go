package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corewire/reactor/internal/rtconfig"
	"github.com/corewire/reactor/pkg/cache"
	"github.com/corewire/reactor/pkg/devtools"
	"github.com/corewire/reactor/pkg/query"
)

func newGraphCommand() *cobra.Command {
	var configPath string
	var once bool

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect the live scope tree and cache stats",
		Long: `Launches the devtools inspector against a cache built from a local
reactor.yaml. The inspector only learns about scopes created after it
subscribes, so run it as part of the same process whose scopes you want to
watch rather than attaching to one after the fact.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rtconfig.Load(configPath)
			if err != nil {
				return fmt.Errorf("reactor: loading config: %w", err)
			}
			c := cache.New()
			cfg.ApplyCache(c)
			client := query.NewClient(c)

			if once {
				m := devtools.New(client)
				defer m.Close()
				fmt.Println(m.Render())
				return nil
			}
			return devtools.Start(client)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "reactor.yaml", "Path to the runtime config file")
	cmd.Flags().BoolVar(&once, "once", false, "Print a single snapshot instead of the interactive inspector")

	return cmd
}

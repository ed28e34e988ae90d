// Command reactor is a small operator CLI over a running process's reactive
// runtime: it prints scope/cache diagnostics and watches reactor.yaml for
// hot-reloadable config changes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "reactor",
		Short:   "Inspect and configure a reactor runtime",
		Version: "0.1.0",
	}

	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newWatchCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

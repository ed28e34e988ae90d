package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/corewire/reactor/internal/rtconfig"
	"github.com/corewire/reactor/pkg/cache"
	"github.com/corewire/reactor/pkg/scheduler"
)

func newWatchCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch reactor.yaml and hot-reload the scheduler and cache policy",
		Long: `Keeps a local scheduler and cache alive and reapplies reactor.yaml to
them every time the file changes, logging the new effective settings. This
demonstrates the hot-reload path a long-running host would wire into its own
scheduler/cache instances rather than the throwaway ones created here.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "reactor.yaml", "Path to the runtime config file")
	return cmd
}

func runWatch(configPath string) error {
	sched := scheduler.New()
	c := cache.New()

	apply := func() {
		cfg, err := rtconfig.Load(configPath)
		if err != nil {
			log.Printf("reactor: reload failed: %v", err)
			return
		}
		cfg.ApplyScheduler(sched)
		cfg.ApplyCache(c)
		log.Printf("reactor: applied config: maxMicrotaskIterations=%d maxRAFIterations=%d maxEntries=%d",
			cfg.Scheduler.MaxMicrotaskIterations, cfg.Scheduler.MaxRAFIterations, cfg.Cache.MaxEntries)
	}
	apply()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("reactor: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(configPath); err != nil {
		if _, statErr := os.Stat(configPath); statErr != nil {
			log.Printf("reactor: %s does not exist yet; create it to trigger a reload", configPath)
		} else {
			return fmt.Errorf("reactor: watching %s: %w", configPath, err)
		}
	}

	debounce := time.NewTimer(0)
	<-debounce.C

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	log.Printf("reactor: watching %s for changes (ctrl-c to stop)", configPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(100 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("reactor: watcher error: %v", err)
		case <-debounce.C:
			apply()
		}
	}
}

package main

import (
	"context"
	"copybot/internal/config"
	"copybot/internal/engine"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect accounts, start enabled groups and manage risk until interrupted",
	RunE:  runRun,
}

var runWatch bool

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runWatch, "watch", true, "reload risk settings when the config file changes")
}

func runRun(cmd *cobra.Command, args []string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	log := a.log
	log.Info("Bot started.")

	if _, err := a.reg.Load(ctx); err != nil {
		log.WithError(err).Error("Failed to load replication groups.")
	}
	started := a.reg.StartEnabled(ctx)
	log.WithFields(logrus.Fields{"groups": started}).Info("Replication groups started.")

	if runWatch && a.loader.File() != "" {
		a.loader.Watch(500*time.Millisecond, func(cfg *config.Config, err error) {
			if err != nil {
				log.WithError(err).Error("Config reload rejected.")
				return
			}
			log.SetLevel(cfg.Log.Level)
			for _, e := range a.engines {
				e.Apply(cfg.Engine)
			}
		})
	}

	var wg sync.WaitGroup
	for id, eng := range a.engines {
		wg.Add(1)
		go func(id string, eng *engine.Engine) {
			defer wg.Done()
			if err := eng.Start(ctx); err != nil {
				log.WithAccount(id).WithError(err).Error("Engine stopped with error.")
			}
		}(id, eng)
	}

	<-sigCh
	log.Info("Stopping...")
	cancel()
	wg.Wait()

	if err := a.reg.Save(context.Background()); err != nil {
		log.WithError(err).Error("Failed to save replication groups.")
	}
	if err := a.Close(); err != nil {
		log.WithError(err).Warn("Shutdown finished with errors.")
	}
	log.Info("Bot stopped.")
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"movemsg/internal/cache"
	"movemsg/internal/config"
	"movemsg/internal/identity"
	"movemsg/internal/keydir"
	"movemsg/internal/realtime"
	"movemsg/internal/service/app"
	"movemsg/internal/service/messenger"
	"movemsg/internal/status"
	"movemsg/internal/transport"
	"movemsg/internal/utils/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: client <identity>")
		os.Exit(1)
	}
	self := os.Args[1]

	_ = godotenv.Load()

	cfg, err := config.LoadClient()
	if err != nil {
		panic(err)
	}
	if err := log.Init(cfg.Dev); err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := keydir.NewClient(cfg.ServerURL, self)
	keys := identity.NewStore(identity.Options{DataDir: cfg.DataDir}, dir)
	api := transport.NewClient(cfg.ServerURL, self)
	monitor := status.NewMonitor()
	rt := realtime.NewClient(cfg.RealtimeURL, self, monitor)

	msgr := messenger.New(self, keys, dir, api, cache.New(), rt, monitor)
	ui := app.NewApp(msgr, monitor)

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-done
		cancel()
		ui.Stop()
	}()

	if err := ui.Run(ctx); err != nil {
		log.Fatal("client stopped", zap.Error(err))
	}
}

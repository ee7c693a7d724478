package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zapgate/zapgate/config"
	"github.com/zapgate/zapgate/internal/adminapi"
	"github.com/zapgate/zapgate/internal/app"
	"github.com/zapgate/zapgate/internal/webserver"
	"go.uber.org/zap"
)

var (
	cfile   = flag.String("c", "zapgate.yml", "config file path")
	initdb  = flag.Bool("initdb", false, "drop and recreate all tables, then exit")
	showVer = flag.Bool("v", false, "print version and exit")
)

var version = "dev"

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println("zapgate", version)
		return
	}

	cfg := config.LoadConfig(*cfile)

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	webserver.Init(cfg, application)
	adminapi.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	application.StartBackgroundJobs(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- webserver.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			zap.L().Error("web server stopped", zap.Error(err))
		}
	case sig := <-sigCh:
		zap.L().Info("shutting down", zap.String("signal", sig.String()))
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := webserver.Shutdown(shutdownCtx); err != nil {
			zap.L().Error("shutdown error", zap.Error(err))
		}
	}
}

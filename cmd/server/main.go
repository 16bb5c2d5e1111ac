package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"myconnectionsvr/semoxy-core/internal/app"
	"myconnectionsvr/semoxy-core/internal/config"
)

func main() {
	flags := pflag.NewFlagSet("semoxy", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to the YAML config file (default $"+config.PathEnv+")")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}

	if err := a.Run(ctx); err != nil {
		log.Fatalf("run app: %v", err)
	}
}

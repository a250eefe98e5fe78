package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"milo/internal/app"
	"milo/internal/config"
	"milo/internal/whatsapp"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file")
	flag.Parse()

	// Secrets (DSN, redis password) may come from a local .env.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	gatewayURL := cfg.Transport.GatewayURL
	if v := os.Getenv("MILO_GATEWAY_URL"); v != "" {
		gatewayURL = v
	}
	client := whatsapp.NewGateway(gatewayURL, cfg.Transport.SelfID)

	a, err := app.New(cfgPath, cfg, client)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	addr := cfg.Transport.ListenAddr
	if addr == "" {
		addr = ":8380"
	}
	if err := a.ServeInbound(ctx, addr); err != nil {
		fmt.Println("fatal serve:", err)
		os.Exit(1)
	}
	a.Stop()
}

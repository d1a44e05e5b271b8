package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cuongbtq/dispatch-core/internal/cli"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	var addr string
	root := cli.NewRoot(func() string {
		return strings.TrimRight(addr, "/")
	})

	defaultAddr := os.Getenv("DISPATCH_API_URL")
	if defaultAddr == "" {
		defaultAddr = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&addr, "addr", defaultAddr, "Base URL of an api-service (env DISPATCH_API_URL)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/thermoflow/thermoflow"
)

func main() {
	flow, err := thermoflow.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := flow.Run(ctx); err != nil {
		log.Fatalf("edge runtime exited: %v", err)
	}
}

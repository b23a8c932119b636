package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/thermoflow/thermoflow/pkg/thermoflow"
)

func main() {
	flow, err := thermoflow.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callback := func(_ context.Context, rec thermoflow.ReducedRecord) error {
		fmt.Printf("%s machine=%s samples=%d mean=%.2fK std=%.3f partial=%v\n",
			rec.WindowEnd.Format(time.RFC3339Nano),
			rec.MachineID,
			rec.SampleCount,
			rec.TempMean,
			rec.TempStdDev,
			rec.Partial,
		)
		return nil
	}

	if err := flow.Run(ctx, thermoflow.StreamOutCallback("stdout", callback)); err != nil {
		log.Fatalf("runtime error: %v", err)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/thermoflow/thermoflow"
)

// Feeds synthetic snapshots for two machines through a push collector and
// prints the reduced windows as they come out.
func main() {
	pol := thermoflow.DefaultPolicy()
	pol.OnForwardExhausted = "drop"
	cfg := &thermoflow.Config{
		Policy:  pol,
		Metrics: thermoflow.MetricsConfig{Addr: ":9100"},
	}

	push := thermoflow.NewPushCollector()
	store, records, closeRecords := thermoflow.NewChannelStore("fanout", 32)
	defer closeRecords()

	flow, err := thermoflow.ConfFromConfig(cfg)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go produce(ctx, push, "MACHINE_001", "MACHINE_002")
	go fanoutWorker("ingest", records)

	if err := flow.StreamIN(thermoflow.StreamInCollector(push)).Run(ctx, thermoflow.StreamOutStore(store)); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Fatalf("runtime error: %v", err)
	}
}

func produce(ctx context.Context, push *thermoflow.PushCollector, machines ...string) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for step := 0; ; step++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, m := range machines {
			temps := make([]float64, 16)
			for i := range temps {
				temps[i] = 300 + 5*rand.Float64()
			}
			err := push.Publish(ctx, thermoflow.Snapshot{
				MachineID:        m,
				SimulationTime:   fmt.Sprintf("%.1f", float64(step)*0.5),
				Temperatures:     temps,
				PowerConsumption: 120 + rand.Float64(),
			})
			if err != nil {
				return
			}
		}
	}
}

func fanoutWorker(name string, records <-chan thermoflow.ReducedRecord) {
	for rec := range records {
		fmt.Printf("[%s] %s window of %d, mean %.2fK at %s\n",
			name, rec.MachineID, rec.SampleCount, rec.TempMean, time.Now().Format(time.RFC3339))
	}
}

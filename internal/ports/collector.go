package ports

import "github.com/thermoflow/thermoflow/internal/domain"

type Collector interface {
	Start(out chan<- *domain.RawSnapshot) error
	Stop() error
}

// Acknowledger is implemented by collectors that report store results back
// to the device (the OPC UA trigger handshake).
type Acknowledger interface {
	Acknowledge(machineID, storeRef string)
}

// Finite is implemented by collectors whose input runs out, such as a
// directory replay. Done is closed after the last snapshot has been sent.
type Finite interface {
	Done() <-chan struct{}
}

package ports

import "github.com/thermoflow/thermoflow/internal/domain"

type Normalizer interface {
	Normalize(*domain.RawSnapshot) (*domain.TelemetrySnapshot, error)
}

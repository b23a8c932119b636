package thermoflow

import (
	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/ports"
)

// RawSnapshot is what a Collector emits: transport fields keyed by wire name.
type RawSnapshot = domain.RawSnapshot

// TelemetrySnapshot is a validated reading from one machine.
type TelemetrySnapshot = domain.TelemetrySnapshot

// ReducedRecord is the summary of one window, as handed to a Store.
type ReducedRecord = domain.ReducedRecord

// Collector streams raw snapshots from any source (OPC UA, files, MQTT, ...).
type Collector = ports.Collector

// Acknowledger is implemented by collectors that want the store reference of
// every accepted record.
type Acknowledger = ports.Acknowledger

// Normalizer validates raw snapshots into TelemetrySnapshot values.
type Normalizer = ports.Normalizer

// Store receives reduced records and answers accepted, rejected or unavailable.
type Store = ports.Store

type (
	SubmitResult  = ports.SubmitResult
	SubmitOutcome = ports.SubmitOutcome
)

const (
	SubmitAccepted    = ports.SubmitAccepted
	SubmitRejected    = ports.SubmitRejected
	SubmitUnavailable = ports.SubmitUnavailable
)

// Observability emits the runtime's logs and metrics.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// Spool keeps records whose delivery was exhausted.
type Spool = ports.Spool

type (
	SpoolStats   = ports.SpoolStats
	SpoolEntryID = ports.SpoolEntryID
)

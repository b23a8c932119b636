package replay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thermoflow/thermoflow/internal/app/normalize"
	"github.com/thermoflow/thermoflow/internal/domain"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestReplaySendsFilesInOrderThenFinishes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "snapshot_00000003.json", `{"machine_id":"M1","timestamp":"2025-12-03T16:20:45Z","num_nodes":2,"temperatures":[3,3],"power_consumption":1}`)
	writeFile(t, dir, "snapshot_00000002.json", `{"machine_id":"M1","timestamp":"2025-12-03T16:20:44Z","num_nodes":2,"temperatures":[2,2],"power_consumption":1}`)
	writeFile(t, dir, "notes.txt", "ignored")

	col, err := NewCollector(Config{Dir: dir}, zerolog.Nop())
	require.NoError(t, err)

	out := make(chan *domain.RawSnapshot, 4)
	require.NoError(t, col.Start(out))

	select {
	case <-col.Done():
	case <-time.After(time.Second):
		t.Fatal("replay did not finish")
	}
	require.NoError(t, col.Stop())

	require.Len(t, out, 2)
	first, second := <-out, <-out
	assert.Equal(t, "replay:snapshot_00000002.json", first.Source)
	assert.Equal(t, "replay:snapshot_00000003.json", second.Source)

	snap, err := normalize.New(2).Normalize(first)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2}, snap.Temperatures)
}

func TestReplayFillsDeviceDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "snapshot_1.json", `{"num_nodes":1,"temperatures":[300],"power_consumption":5}`)

	col, err := NewCollector(Config{Dir: dir, MachineID: "BENCH"}, zerolog.Nop())
	require.NoError(t, err)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	col.now = func() time.Time { return fixed }

	raw, err := col.load(filepath.Join(dir, "snapshot_1.json"))
	require.NoError(t, err)
	assert.Equal(t, "BENCH", raw.Fields["machine_id"])
	assert.Equal(t, "2025-01-02T03:04:05Z", raw.Fields["timestamp"])
}

func TestReplaySkipsUndecodableFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "snapshot_1.json", `{not json`)
	writeFile(t, dir, "snapshot_2.json", `{"machine_id":"M1","timestamp":"2025-12-03T16:20:44Z","num_nodes":1,"temperatures":[1],"power_consumption":1}`)

	col, err := NewCollector(Config{Dir: dir}, zerolog.Nop())
	require.NoError(t, err)

	out := make(chan *domain.RawSnapshot, 4)
	require.NoError(t, col.Start(out))
	<-col.Done()

	require.Len(t, out, 1)
	assert.Equal(t, "replay:snapshot_2.json", (<-out).Source)
}

func TestReplayStartFailsOnEmptyDir(t *testing.T) {
	col, err := NewCollector(Config{Dir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	assert.Error(t, col.Start(make(chan *domain.RawSnapshot)))
}

func TestReplayStopInterruptsLoop(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "snapshot_1.json", `{"machine_id":"M1","num_nodes":1,"temperatures":[1],"power_consumption":1}`)

	col, err := NewCollector(Config{Dir: dir, Loop: true, Interval: time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	out := make(chan *domain.RawSnapshot)
	require.NoError(t, col.Start(out))
	<-out
	<-out

	require.NoError(t, col.Stop())
	select {
	case <-col.Done():
	default:
		t.Fatal("done should be closed after stop")
	}
}

func TestConfigValidate(t *testing.T) {
	_, err := NewCollector(Config{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewCollector(Config{Dir: "x", Pattern: "[bad"}, zerolog.Nop())
	assert.Error(t, err)
}

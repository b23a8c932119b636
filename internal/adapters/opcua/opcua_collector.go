package opcua

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/ports"
)

// Variable browse names under the telemetry object.
const (
	VarMachineID        = "MachineID"
	VarTimestep         = "Timestep"
	VarSimulationTime   = "SimulationTime"
	VarNumNodes         = "NumNodes"
	VarTemperatures     = "Temperatures"
	VarPowerConsumption = "PowerConsumption"
	VarTrigger          = "TriggerStorage"
	VarLastRecordID     = "LastRecordID"
)

// payloadVars are read on every trigger, in this order.
var payloadVars = []string{VarMachineID, VarTimestep, VarSimulationTime, VarNumNodes, VarTemperatures, VarPowerConsumption}

// fieldFor maps a variable onto the snapshot field the normalizer expects.
var fieldFor = map[string]string{
	VarMachineID:        "machine_id",
	VarTimestep:         "timestep",
	VarSimulationTime:   "simulation_time",
	VarNumNodes:         "num_nodes",
	VarTemperatures:     "temperatures",
	VarPowerConsumption: "power_consumption",
}

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint        string        `yaml:"endpoint"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SecurityMode    string        `yaml:"security_mode"`
	SecurityPolicy  string        `yaml:"security_policy"`
	ApplicationName string        `yaml:"application_name"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`

	// Namespace and Object locate the telemetry object under Objects.
	Namespace uint16 `yaml:"namespace"`
	Object    string `yaml:"object"`
	// Nodes pins explicit node ids (e.g. "ns=2;i=3") by variable name and
	// skips browsing for those variables.
	Nodes map[string]string `yaml:"nodes"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "ThermoFlow Edge"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 100 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.Namespace == 0 {
		c.Namespace = 2
	}
	if c.Object == "" {
		c.Object = "TelemetryObject"
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	for name := range c.Nodes {
		if _, ok := fieldFor[name]; !ok && name != VarTrigger && name != VarLastRecordID {
			return fmt.Errorf("unknown variable %q in nodes", name)
		}
	}
	return nil
}

// Collector connects to the device's OPC UA server and follows its trigger
// handshake: the device writes the payload variables, sets TriggerStorage,
// and waits for the edge to reset it. Each trigger becomes one snapshot.
type Collector struct {
	cfg     Config
	log     zerolog.Logger
	client  *opcua.Client
	sub     *opcua.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	nodes   map[string]*ua.NodeID
	mu      sync.Mutex
	started bool

	// last store reference acknowledged, written back on every trigger
	lastRecord atomic.Int64
}

func NewCollector(cfg Config, log zerolog.Logger) (*Collector, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Collector{cfg: cfg, log: log}, nil
}

func (c *Collector) Start(out chan<- *domain.RawSnapshot) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("opcua collector already started")
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())

	client, err := opcua.NewClient(c.cfg.Endpoint, c.buildClientOptions()...)
	if err != nil {
		cancel()
		return fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		cancel()
		return fmt.Errorf("opcua connect: %w", err)
	}

	nodes, err := c.resolveNodes(ctx, client)
	if err != nil {
		c.cleanupOnError(cancel, nil, client)
		return err
	}

	notifyCh := make(chan *opcua.PublishNotificationData, 16)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: c.cfg.PublishInterval,
	}, notifyCh)
	if err != nil {
		c.cleanupOnError(cancel, nil, client)
		return fmt.Errorf("opcua subscribe: %w", err)
	}

	req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodes[VarTrigger], ua.AttributeIDValue, 1)
	res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
	if err != nil {
		c.cleanupOnError(cancel, sub, client)
		return fmt.Errorf("monitor %s: %w", VarTrigger, err)
	}
	if len(res.Results) == 0 || res.Results[0].StatusCode != ua.StatusOK {
		c.cleanupOnError(cancel, sub, client)
		return fmt.Errorf("monitor %s failed", VarTrigger)
	}

	c.mu.Lock()
	c.client = client
	c.sub = sub
	c.cancel = cancel
	c.nodes = nodes
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consume(ctx, notifyCh, out)
	return nil
}

func (c *Collector) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	sub := c.sub
	client := c.client
	c.started = false
	c.cancel = nil
	c.sub = nil
	c.client = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	var err error
	if sub != nil {
		if e := sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	if client != nil {
		if e := client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	return err
}

// Acknowledge records the store reference of an accepted window and writes
// it to LastRecordID so the device can see it.
func (c *Collector) Acknowledge(machineID, storeRef string) {
	ref, err := strconv.ParseInt(storeRef, 10, 64)
	if err != nil {
		ref = 0
	}
	c.lastRecord.Store(ref)

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	if err := c.write(ctx, client, VarLastRecordID, ua.MustVariant(ref)); err != nil {
		c.log.Warn().Err(err).Str("machine_id", machineID).Msg("opcua_ack_failed")
	}
}

func (c *Collector) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData, out chan<- *domain.RawSnapshot) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				c.log.Error().Err(notif.Error).Msg("opcua_notification_error")
				continue
			}
			if !triggered(notif.Value) {
				continue
			}
			c.handleTrigger(ctx, out)
		}
	}
}

func (c *Collector) handleTrigger(ctx context.Context, out chan<- *domain.RawSnapshot) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	fields, err := c.readPayload(rctx, client)
	if err != nil {
		c.log.Error().Err(err).Msg("opcua_read_failed")
	} else {
		select {
		case <-ctx.Done():
			return
		case out <- &domain.RawSnapshot{Source: "opcua", Fields: fields, ReceivedAt: time.Now()}:
		}
	}

	// the device waits for the reset before writing the next snapshot
	if err := c.write(rctx, client, VarLastRecordID, ua.MustVariant(c.lastRecord.Load())); err != nil {
		c.log.Warn().Err(err).Msg("opcua_write_last_record_failed")
	}
	if err := c.write(rctx, client, VarTrigger, ua.MustVariant(false)); err != nil {
		c.log.Error().Err(err).Msg("opcua_trigger_reset_failed")
	}
}

func (c *Collector) readPayload(ctx context.Context, client *opcua.Client) (map[string]any, error) {
	req := &ua.ReadRequest{TimestampsToReturn: ua.TimestampsToReturnBoth}
	for _, name := range payloadVars {
		req.NodesToRead = append(req.NodesToRead, &ua.ReadValueID{NodeID: c.nodes[name], AttributeID: ua.AttributeIDValue})
	}

	resp, err := client.Read(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("opcua read: %w", err)
	}
	if len(resp.Results) != len(payloadVars) {
		return nil, fmt.Errorf("opcua read: expected %d results, got %d", len(payloadVars), len(resp.Results))
	}
	return payloadFields(resp.Results)
}

// payloadFields converts read results, in payloadVars order, to snapshot
// fields. Bad-status values are left out so the normalizer reports them.
func payloadFields(results []*ua.DataValue) (map[string]any, error) {
	fields := make(map[string]any, len(payloadVars))
	for i, dv := range results {
		if i >= len(payloadVars) {
			break
		}
		if dv == nil || dv.Status != ua.StatusOK || dv.Value == nil {
			continue
		}
		fields[fieldFor[payloadVars[i]]] = dv.Value.Value()
	}
	if len(fields) == 0 {
		return nil, errors.New("no readable payload variables")
	}
	return fields, nil
}

func (c *Collector) write(ctx context.Context, client *opcua.Client, name string, v *ua.Variant) error {
	resp, err := client.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      c.nodes[name],
			AttributeID: ua.AttributeIDValue,
			Value:       &ua.DataValue{EncodingMask: ua.DataValueValue, Value: v},
		}},
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if len(resp.Results) > 0 && resp.Results[0] != ua.StatusOK {
		return fmt.Errorf("write %s: %s", name, resp.Results[0])
	}
	return nil
}

func (c *Collector) resolveNodes(ctx context.Context, client *opcua.Client) (map[string]*ua.NodeID, error) {
	names := append(append([]string{}, payloadVars...), VarTrigger, VarLastRecordID)
	nodes := make(map[string]*ua.NodeID, len(names))
	objects := client.Node(ua.NewNumericNodeID(0, id.ObjectsFolder))

	for _, name := range names {
		if explicit, ok := c.cfg.Nodes[name]; ok && explicit != "" {
			nid, err := ua.ParseNodeID(explicit)
			if err != nil {
				return nil, fmt.Errorf("parse node id %q: %w", explicit, err)
			}
			nodes[name] = nid
			continue
		}
		nid, err := objects.TranslateBrowsePathInNamespaceToNodeID(ctx, c.cfg.Namespace, c.cfg.Object+"."+name)
		if err != nil {
			return nil, fmt.Errorf("browse %s.%s: %w", c.cfg.Object, name, err)
		}
		nodes[name] = nid
	}
	return nodes, nil
}

// triggered reports whether a notification carries TriggerStorage = true.
func triggered(val any) bool {
	data, ok := val.(*ua.DataChangeNotification)
	if !ok {
		return false
	}
	for _, item := range data.MonitoredItems {
		if item == nil || item.Value == nil || item.Value.Value == nil {
			continue
		}
		if b, ok := item.Value.Value.Value().(bool); ok && b {
			return true
		}
	}
	return false
}

func (c *Collector) buildClientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(c.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(c.cfg.SecurityPolicy)),
		opcua.ApplicationName(c.cfg.ApplicationName),
		opcua.AutoReconnect(true),
		opcua.RequestTimeout(c.cfg.RequestTimeout),
	}

	if c.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(c.cfg.Username, c.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func (c *Collector) cleanupOnError(cancel context.CancelFunc, sub *opcua.Subscription, client *opcua.Client) {
	cancel()
	if sub != nil {
		_ = sub.Cancel(context.Background())
	}
	if client != nil {
		_ = client.Close(context.Background())
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var (
	_ ports.Collector    = (*Collector)(nil)
	_ ports.Acknowledger = (*Collector)(nil)
)

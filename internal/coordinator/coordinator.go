package coordinator

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"smappee-ev-sync/internal/api"
	"smappee-ev-sync/internal/logging"
	"smappee-ev-sync/internal/state"
)

var l = logging.Logger

// pushGrace is how long after the last push a "connection down" signal is
// allowed to flip the mqtt-connected flag; short blips inside the grace
// window are ignored.
const pushGrace = 2 * 60 * time.Second

// CloudClient is the slice of the REST client the coordinator polls with.
type CloudClient interface {
	SmartDevices(ctx context.Context) ([]api.SmartDevice, error)
	SmartDevice(ctx context.Context, deviceID string) (*api.SmartDevice, error)
	MeteringConfiguration(ctx context.Context) (*api.MeteringConfiguration, error)
}

// ConnectorRef identifies one connector smart device to poll.
type ConnectorRef struct {
	UUID     string
	DeviceID string
	Number   int
}

// Observer is called synchronously after each snapshot swap that carried a
// logical change.
type Observer func(snap *state.Snapshot)

// Coordinator owns the authoritative snapshot. It reconciles scheduled
// polls, forced polls and asynchronous push events into one consistent
// copy-on-write view and fans changes out to observers.
type Coordinator struct {
	client     CloudClient
	interval   time.Duration
	connectors []ConnectorRef

	snap atomic.Pointer[state.Snapshot]

	// mergeMu serializes all clone-mutate-swap sequences so poll results
	// and push events never interleave inside one merge.
	mergeMu sync.Mutex

	obsMu        sync.Mutex
	observers    map[int]Observer
	nextObserver int

	pollMu  sync.Mutex
	polling bool

	powerMu  sync.Mutex
	powerIdx *powerIndexMap

	authRequired atomic.Bool

	pollReq chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

func New(client CloudClient, station state.StationState, connectors []ConnectorRef, interval time.Duration) *Coordinator {
	initial := make([]state.ConnectorState, 0, len(connectors))
	for _, ref := range connectors {
		initial = append(initial, state.ConnectorState{
			ConnectorUUID:        ref.UUID,
			ConnectorNumber:      ref.Number,
			SessionState:         "Initialize",
			SelectedMode:         state.ModeNormal,
			MinCurrentA:          6,
			MaxCurrentA:          32,
			MinSurplusPercentage: 100,
			Available:            true,
		})
	}

	c := &Coordinator{
		client:     client,
		interval:   interval,
		connectors: connectors,
		observers:  map[int]Observer{},
		pollReq:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
	c.snap.Store(state.NewSnapshot(station, initial))
	return c
}

// CurrentSnapshot returns the latest snapshot. The returned value is shared
// and must not be mutated.
func (c *Coordinator) CurrentSnapshot() *state.Snapshot {
	return c.snap.Load()
}

// AuthRequired reports whether polling has been halted pending user
// reconfiguration.
func (c *Coordinator) AuthRequired() bool {
	return c.authRequired.Load()
}

// RegisterObserver adds a change listener and returns its removal handle.
func (c *Coordinator) RegisterObserver(fn Observer) int {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.nextObserver++
	id := c.nextObserver
	c.observers[id] = fn
	return id
}

func (c *Coordinator) RemoveObserver(id int) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	delete(c.observers, id)
}

func (c *Coordinator) notify(snap *state.Snapshot) {
	c.obsMu.Lock()
	observers := make([]Observer, 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

// Start launches the scheduled poll loop.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Poll(ctx)
			case <-c.pollReq:
				c.Poll(ctx)
			}
		}
	}()
}

// Stop halts the poll loop and waits for any in-flight poll to finish.
func (c *Coordinator) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.wg.Wait()
}

// RefreshNow requests an out-of-band poll. Requests arriving while a poll
// is active or already queued are absorbed.
func (c *Coordinator) RefreshNow() {
	select {
	case c.pollReq <- struct{}{}:
	default:
	}
}

// Poll fetches station and connector state and merges the results. At most
// one poll runs at a time; overlapping calls return immediately. A failed
// poll keeps the prior snapshot and waits for the next tick.
func (c *Coordinator) Poll(ctx context.Context) {
	c.pollMu.Lock()
	if c.polling {
		c.pollMu.Unlock()
		return
	}
	c.polling = true
	c.pollMu.Unlock()
	defer func() {
		c.pollMu.Lock()
		c.polling = false
		c.pollMu.Unlock()
	}()

	if c.authRequired.Load() {
		return
	}

	devices, err := c.client.SmartDevices(ctx)
	if err != nil {
		if api.IsAuthFailure(err) {
			l.Errorw("authentication required, polling disabled until reconfigured", "error", err)
			c.authRequired.Store(true)
			return
		}
		l.Warnw("poll failed, keeping previous snapshot", "error", err)
		return
	}

	brightness := brightnessFromDevices(devices)

	type connectorPoll struct {
		ref    ConnectorRef
		device *api.SmartDevice
	}
	polled := make([]connectorPoll, 0, len(c.connectors))
	for _, ref := range c.connectors {
		device, err := c.client.SmartDevice(ctx, ref.DeviceID)
		if err != nil {
			if api.IsAuthFailure(err) {
				l.Errorw("authentication required, polling disabled until reconfigured", "error", err)
				c.authRequired.Store(true)
				return
			}
			// Degrade gracefully: this connector keeps its prior values.
			l.Warnw("connector poll failed", "connector", ref.UUID, "error", err)
			polled = append(polled, connectorPoll{ref: ref})
			continue
		}
		polled = append(polled, connectorPoll{ref: ref, device: device})
	}

	c.ensurePowerIndexMap(ctx)

	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()

	next := c.snap.Load().Clone()
	changed := false

	if brightness != nil {
		changed = setIfChanged(&next.Station.LEDBrightness, *brightness) || changed
	}

	for _, p := range polled {
		if p.device == nil {
			continue
		}
		conn := next.Connectors[p.ref.UUID]
		if conn == nil {
			continue
		}
		changed = mergePolledDevice(conn, p.device) || changed
	}

	c.swap(next, changed)
}

func (c *Coordinator) ensurePowerIndexMap(ctx context.Context) {
	c.powerMu.Lock()
	have := c.powerIdx != nil
	c.powerMu.Unlock()
	if have {
		return
	}

	cfg, err := c.client.MeteringConfiguration(ctx)
	if err != nil {
		l.Warnw("metering configuration fetch failed", "error", err)
		return
	}
	if cfg == nil {
		return
	}

	c.powerMu.Lock()
	c.powerIdx = buildPowerIndexMap(cfg)
	c.powerMu.Unlock()
}

// swap publishes the next snapshot; observers fire only on logical change.
func (c *Coordinator) swap(next *state.Snapshot, changed bool) {
	next.Generation++
	next.UpdatedAt = c.now().UTC()
	c.snap.Store(next)
	if changed {
		c.notify(next)
	}
}

// ApplyPropertyUpdate merges one push event into the snapshot. It is the
// gateway's property handler.
func (c *Coordinator) ApplyPropertyUpdate(topic string, payload map[string]any) {
	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()

	next := c.snap.Load().Clone()
	changed := false

	next.Station.LastPushReceivedAt = c.now().UTC()
	if !next.Station.MQTTConnected {
		next.Station.MQTTConnected = true
		changed = true
	}

	switch {
	case strings.Contains(topic, "/etc/carcharger/acchargingcontroller/") && strings.HasSuffix(topic, "/devices/updated"):
		changed = c.applyConnectorDevicesUpdated(next, payload) || changed

	case strings.Contains(topic, "/etc/carcharger/acchargingcontroller/") && strings.Contains(topic, "/devices/"):
		changed = c.applyConnectorMessage(next, topic, payload) || changed

	case strings.HasSuffix(topic, "/power"):
		changed = c.applyPower(next, payload) || changed

	case strings.Contains(topic, "/etc/chargingstation/acchargingstation/") && strings.HasSuffix(topic, "/properties"):
		changed = applyStationProperties(next, payload) || changed

	case strings.Contains(topic, "/etc/led/acledcontroller/") && strings.HasSuffix(topic, "/devices/updated"):
		changed = applyLEDUpdated(next, payload) || changed

	case strings.HasSuffix(topic, "/homeassistant/heartbeat"):
		// liveness only, already recorded above
	}

	c.swap(next, changed)
}

// SetConnectionState records the gateway's connection transitions. A down
// transition only sticks once no push has arrived for the grace window.
func (c *Coordinator) SetConnectionState(up bool) {
	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()

	next := c.snap.Load().Clone()
	changed := false
	now := c.now().UTC()

	if up {
		changed = setIfChanged(&next.Station.MQTTConnected, true)
		next.Station.LastPushReceivedAt = now
	} else if now.Sub(next.Station.LastPushReceivedAt) > pushGrace {
		changed = setIfChanged(&next.Station.MQTTConnected, false)
	}

	c.swap(next, changed)
}

// -------------------------------------------------------------------------
// Poll merge
// -------------------------------------------------------------------------

func brightnessFromDevices(devices []api.SmartDevice) *int {
	for _, dev := range devices {
		for _, prop := range dev.ConfigurationProperties {
			if prop.Spec.Name == api.BrightnessProperty {
				if v, ok := asInt(prop.ScalarValue()); ok {
					return &v
				}
			}
		}
	}
	return nil
}

// mergePolledDevice folds a REST smart-device read into the connector.
// Missing fields keep their prior values; the poll never nulls anything.
func mergePolledDevice(conn *state.ConnectorState, device *api.SmartDevice) bool {
	changed := false

	for _, prop := range device.Properties {
		switch prop.Spec.Name {
		case "chargingState":
			if v, ok := prop.Value.(string); ok && v != "" {
				changed = setIfChanged(&conn.SessionState, v) || changed
			}
		case "percentageLimit":
			if v, ok := asInt(prop.Value); ok {
				changed = setIntPtr(&conn.SelectedPercentageLimit, v) || changed
			}
		}
	}

	for _, prop := range device.ConfigurationProperties {
		v, ok := asInt(prop.ScalarValue())
		if !ok {
			continue
		}
		switch prop.Spec.Name {
		case api.MaxCurrentProperty:
			changed = setIfChanged(&conn.MaxCurrentA, v) || changed
		case api.MinCurrentProperty:
			changed = setIfChanged(&conn.MinCurrentA, v) || changed
		case api.MinExcessProperty:
			changed = setIfChanged(&conn.MinSurplusPercentage, v) || changed
		}
	}

	if changed {
		conn.LastUpdatedAt = time.Now().UTC()
	}
	return changed
}

// -------------------------------------------------------------------------
// Push merge
// -------------------------------------------------------------------------

func (c *Coordinator) applyConnectorDevicesUpdated(snap *state.Snapshot, payload map[string]any) bool {
	uuid, _ := payload["deviceUUID"].(string)
	conn := snap.Connectors[uuid]
	if conn == nil {
		return false
	}

	changed := false

	if v, ok := asInt(payload["minimumCurrent"]); ok {
		changed = setIfChanged(&conn.MinCurrentA, v) || changed
	}
	if v, ok := asInt(payload["maximumCurrent"]); ok {
		changed = setIfChanged(&conn.MaxCurrentA, v) || changed
	}

	if ccp, ok := payload["customConfigurationProperties"].(map[string]any); ok {
		if v, ok := asInt(ccp[api.MinExcessProperty]); ok {
			changed = setIfChanged(&conn.MinSurplusPercentage, v) || changed
		}
		if v, ok := asInt(ccp[api.ChargerNumberProperty]); ok {
			changed = setIfChanged(&conn.ConnectorNumber, v) || changed
		}
	}

	if raw, exists := payload["percentageLimit"]; exists {
		changed = applyPercentageLimit(conn, raw) || changed
	}

	if changed {
		conn.LastUpdatedAt = c.now().UTC()
	}
	return changed
}

func (c *Coordinator) applyConnectorMessage(snap *state.Snapshot, topic string, payload map[string]any) bool {
	uuid := deviceUUIDFromTopic(topic)
	conn := snap.Connectors[uuid]
	if conn == nil {
		return false
	}

	changed := false
	switch {
	case strings.HasSuffix(topic, "/state"):
		changed = applyConnectorState(conn, payload)
	case propertyNameFromTopic(topic) == "chargingstate":
		changed = applyChargingState(conn, payload)
	}

	if changed {
		conn.LastUpdatedAt = c.now().UTC()
	}
	return changed
}

func applyConnectorState(conn *state.ConnectorState, payload map[string]any) bool {
	changed := false

	if v, ok := payload["connectionStatus"].(string); ok && v != "" {
		changed = setIfChanged(&conn.ConnectionStatus, v) || changed
	}
	if raw, ok := payload["configurationErrors"].([]any); ok {
		errs := make([]string, 0, len(raw))
		for _, e := range raw {
			if s, ok := e.(string); ok {
				errs = append(errs, s)
			}
		}
		if !equalStrings(errs, conn.ConfigurationErrors) {
			conn.ConfigurationErrors = errs
			changed = true
		}
	}
	return changed
}

func applyChargingState(conn *state.ConnectorState, payload map[string]any) bool {
	changed := false

	if v := getAny(payload, "chargingState", "chargingstate"); v != nil {
		if s, ok := v.(string); ok && s != "" {
			changed = setIfChanged(&conn.SessionState, s) || changed
		}
	}

	if status, ok := getAny(payload, "status").(map[string]any); ok {
		if cur, ok := status["current"].(string); ok && cur != "" {
			changed = setIfChanged(&conn.SessionCause, cur) || changed
		}
		if sbc, ok := status["stoppedByCloud"].(bool); ok {
			changed = setBoolPtr(&conn.StoppedByCloud, sbc) || changed
		}
	}

	iec := getAny(payload, "iecStatus", "iecstatus")
	if m, ok := iec.(map[string]any); ok {
		iec = m["current"]
	}
	if s, ok := iec.(string); ok && s != "" {
		changed = setIfChanged(&conn.IECStatus, s) || changed
	}

	if v, ok := getAny(payload, "chargingMode", "chargingmode").(string); ok && v != "" {
		changed = setIfChanged(&conn.RawChargingMode, v) || changed
	}
	if v, ok := getAny(payload, "optimizationStrategy", "optimizationstrategy").(string); ok && v != "" {
		changed = setIfChanged(&conn.OptimizationStrategy, v) || changed
	}

	changed = setIfChanged(&conn.SelectedMode, baseModeFor(conn.OptimizationStrategy)) || changed
	changed = setIfChanged(&conn.Paused, isPaused(conn.RawChargingMode, conn.SessionState, conn.SessionCause)) || changed

	if raw := getAny(payload, "percentageLimit", "percentagelimit"); raw != nil {
		changed = applyPercentageLimit(conn, raw) || changed
	}
	if v, ok := getAny(payload, "available").(bool); ok {
		changed = setIfChanged(&conn.Available, v) || changed
	}

	if letter := evccLetter(conn.IECStatus); letter != "" {
		changed = setIfChanged(&conn.EVCCState, letter) || changed
		if code, ok := evccCode(letter); ok {
			changed = setIntPtr(&conn.EVCCStateCode, code) || changed
		}
	}

	return changed
}

// applyPercentageLimit records the pushed percentage limit and the current
// limit derived from the connector's range. In SMART/SOLAR the cloud drives
// the limit itself, so pushes are only honored when the strategy is NONE.
func applyPercentageLimit(conn *state.ConnectorState, raw any) bool {
	if !strings.EqualFold(conn.OptimizationStrategy, "NONE") {
		return false
	}
	pct, ok := asInt(raw)
	if !ok {
		return false
	}
	changed := setIntPtr(&conn.SelectedPercentageLimit, pct)
	cur := api.CurrentForPercentage(pct, conn.MinCurrentA, conn.MaxCurrentA)
	changed = setIntPtr(&conn.SelectedCurrentLimitA, cur) || changed
	return changed
}

func applyStationProperties(snap *state.Snapshot, payload map[string]any) bool {
	changed := false
	if v, ok := payload["available"].(bool); ok {
		changed = setIfChanged(&snap.Station.Available, v) || changed
	}
	if v, ok := asInt(payload["ledBrightness"]); ok {
		changed = setIfChanged(&snap.Station.LEDBrightness, v) || changed
	}
	return changed
}

func applyLEDUpdated(snap *state.Snapshot, payload map[string]any) bool {
	vals, ok := payload["configurationPropertyValues"].([]any)
	if !ok {
		return false
	}
	for _, item := range vals {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if m["propertySpecName"] != api.BrightnessProperty {
			continue
		}
		if v, ok := asInt(m["value"]); ok {
			return setIfChanged(&snap.Station.LEDBrightness, v)
		}
		return false
	}
	return false
}

func (c *Coordinator) applyPower(snap *state.Snapshot, payload map[string]any) bool {
	c.powerMu.Lock()
	idx := c.powerIdx
	c.powerMu.Unlock()
	if idx == nil {
		return false
	}

	st := &snap.Station
	changed := false

	active := payload["activePowerData"]
	currents := payload["currentData"]
	importWh := payload["importActiveEnergyData"]
	exportWh := payload["exportActiveEnergyData"]

	// Grid group
	if phases := pickInts(active, idx.grid.power); phases != nil {
		changed = setIntSlice(&st.GridPowerPhasesW, phases) || changed
		changed = setIntPtr(&st.GridPowerTotalW, sumInts(phases)) || changed
		if amps := ampsFromMilliamps(pickInts(currents, idx.grid.power)); amps != nil {
			changed = setFloatSlice(&st.GridCurrentPhasesA, amps) || changed
		}
	}
	if len(idx.grid.cons) > 0 {
		changed = setFloatPtr(&st.GridEnergyImportKwh, kwhFromWh(importWh, idx.grid.cons)) || changed
		changed = setFloatPtr(&st.GridEnergyExportKwh, kwhFromWh(exportWh, idx.grid.cons)) || changed
	}

	// PV group
	if phases := pickInts(active, idx.pv.power); phases != nil {
		changed = setIntSlice(&st.PVPowerPhasesW, phases) || changed
		changed = setIntPtr(&st.PVPowerTotalW, sumInts(phases)) || changed
		if amps := ampsFromMilliamps(pickInts(currents, idx.pv.power)); amps != nil {
			changed = setFloatSlice(&st.PVCurrentPhasesA, amps) || changed
		}
	}
	if len(idx.pv.cons) > 0 {
		changed = setFloatPtr(&st.PVEnergyImportKwh, kwhFromWh(importWh, idx.pv.cons)) || changed
	}

	// Per-connector values
	for uuid, ch := range idx.cars {
		conn := snap.Connectors[uuid]
		if conn == nil {
			continue
		}
		connChanged := false
		if phases := pickInts(active, ch.power); phases != nil {
			connChanged = setIntSlice(&conn.PowerPhasesW, phases) || connChanged
			connChanged = setIntPtr(&conn.PowerTotalW, sumInts(phases)) || connChanged
		}
		if amps := ampsFromMilliamps(pickInts(currents, ch.power)); amps != nil {
			connChanged = setFloatSlice(&conn.CurrentPhasesA, amps) || connChanged
		}
		if len(ch.cons) > 0 {
			candidate := kwhFromWh(importWh, ch.cons)
			connChanged = applyCumulativeEnergy(conn, candidate) || connChanged
		}
		if connChanged {
			conn.LastUpdatedAt = c.now().UTC()
			changed = true
		}
	}

	// Explicit totals win when the payload carries them.
	if v, ok := asInt(payload["consumptionPower"]); ok && v != 0 {
		changed = setIntPtr(&st.GridPowerTotalW, v) || changed
	}
	if v, ok := asInt(payload["solarPower"]); ok && v != 0 {
		changed = setIntPtr(&st.PVPowerTotalW, v) || changed
	}

	return changed
}

// applyCumulativeEnergy enforces the monotonic counter rule: absent values,
// regressions, and a zero while a session is active are rejected; a zero
// outside an active session re-baselines the counter.
func applyCumulativeEnergy(conn *state.ConnectorState, candidate *float64) bool {
	if candidate == nil {
		return false
	}
	current := conn.CumulativeEnergyKwh

	if *candidate == 0 {
		if sessionActive(conn.SessionState) {
			return false
		}
		if current != nil && *current == 0 {
			return false
		}
		zero := 0.0
		conn.CumulativeEnergyKwh = &zero
		return true
	}

	if current != nil && *candidate <= *current {
		return false
	}
	v := *candidate
	conn.CumulativeEnergyKwh = &v
	return true
}

func sessionActive(sessionState string) bool {
	switch strings.ToUpper(sessionState) {
	case "CHARGING", "STARTED", "SUSPENDED", "PAUSED":
		return true
	}
	return false
}

// -------------------------------------------------------------------------
// Derivations
// -------------------------------------------------------------------------

func baseModeFor(strategy string) state.ChargingMode {
	switch strings.ToUpper(strategy) {
	case "EXCESS_ONLY":
		return state.ModeSolar
	case "SCHEDULES_FIRST_THEN_EXCESS":
		return state.ModeSmart
	}
	return state.ModeNormal
}

func isPaused(rawMode, sessionState, cause string) bool {
	if strings.EqualFold(rawMode, "PAUSED") {
		return true
	}
	if strings.EqualFold(sessionState, "SUSPENDED") && strings.HasPrefix(strings.ToUpper(cause), "SUSPENDED_EVSE") {
		return true
	}
	return false
}

func evccLetter(iec string) string {
	iec = strings.TrimSpace(iec)
	if iec == "" {
		return ""
	}
	first := strings.ToUpper(iec[:1])
	switch first {
	case "A", "B", "C", "E", "F":
		return first
	}
	return ""
}

func evccCode(letter string) (int, bool) {
	codes := map[string]int{"A": 0, "B": 1, "C": 2, "E": 3, "F": 4}
	code, ok := codes[letter]
	return code, ok
}

// -------------------------------------------------------------------------
// Power index map
// -------------------------------------------------------------------------

type channelIndexes struct {
	power []int
	cons  []int
}

type powerIndexMap struct {
	grid channelIndexes
	pv   channelIndexes
	cars map[string]channelIndexes
}

func buildPowerIndexMap(cfg *api.MeteringConfiguration) *powerIndexMap {
	idx := &powerIndexMap{cars: map[string]channelIndexes{}}

	for _, meas := range cfg.Measurements {
		ch := channelsToIndexes(meas.Channels)
		switch strings.ToUpper(meas.Type) {
		case "GRID":
			idx.grid = ch
		case "PRODUCTION":
			idx.pv = ch
		}
	}

	for _, cs := range cfg.ChargingStations {
		for _, charger := range cs.Chargers {
			if charger.UUID == "" {
				continue
			}
			idx.cars[charger.UUID] = channelsToIndexes(charger.Channels)
		}
	}
	return idx
}

func channelsToIndexes(channels []api.MeteringChannel) channelIndexes {
	var out channelIndexes
	for _, ch := range channels {
		if ch.PowerTopicIndex != nil {
			out.power = append(out.power, *ch.PowerTopicIndex)
		}
		if ch.ConsumptionIndex != nil {
			out.cons = append(out.cons, *ch.ConsumptionIndex)
		}
	}
	return out
}

// -------------------------------------------------------------------------
// Topic and payload helpers
// -------------------------------------------------------------------------

func deviceUUIDFromTopic(topic string) string {
	return segmentAfter(topic, "/devices/")
}

func propertyNameFromTopic(topic string) string {
	return segmentAfter(topic, "/property/")
}

func segmentAfter(topic, marker string) string {
	i := strings.Index(topic, marker)
	if i == -1 {
		return ""
	}
	rest := topic[i+len(marker):]
	if j := strings.Index(rest, "/"); j != -1 {
		return rest[:j]
	}
	return rest
}

func getAny(payload map[string]any, names ...string) any {
	for _, name := range names {
		if v, ok := payload[name]; ok {
			return v
		}
	}
	for key, v := range payload {
		for _, name := range names {
			if strings.EqualFold(key, name) && v != nil {
				return v
			}
		}
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case string:
		var n int
		for _, r := range t {
			if r < '0' || r > '9' {
				return 0, false
			}
			n = n*10 + int(r-'0')
		}
		if t == "" {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// pickInts selects seq values at the given indexes, zero-filling anything
// out of range; nil when either side is empty.
func pickInts(seq any, idxs []int) []int {
	raw, ok := seq.([]any)
	if !ok || len(idxs) == 0 {
		return nil
	}
	out := make([]int, len(idxs))
	for i, idx := range idxs {
		if idx >= 0 && idx < len(raw) {
			if v, ok := asInt(raw[idx]); ok {
				out[i] = v
			}
		}
	}
	return out
}

func ampsFromMilliamps(ma []int) []float64 {
	if len(ma) == 0 {
		return nil
	}
	out := make([]float64, len(ma))
	for i, v := range ma {
		out[i] = math.Round(float64(v)/1000.0*1000) / 1000
	}
	return out
}

func kwhFromWh(seq any, idxs []int) *float64 {
	vals := pickInts(seq, idxs)
	if vals == nil {
		return nil
	}
	kwh := math.Round(float64(sumInts(vals))/1000.0*1000) / 1000
	return &kwh
}

func sumInts(vals []int) int {
	total := 0
	for _, v := range vals {
		total += v
	}
	return total
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func setIfChanged[T comparable](dst *T, v T) bool {
	if *dst == v {
		return false
	}
	*dst = v
	return true
}

func setIntPtr(dst **int, v int) bool {
	if *dst != nil && **dst == v {
		return false
	}
	val := v
	*dst = &val
	return true
}

func setBoolPtr(dst **bool, v bool) bool {
	if *dst != nil && **dst == v {
		return false
	}
	val := v
	*dst = &val
	return true
}

func setFloatPtr(dst **float64, v *float64) bool {
	if v == nil {
		return false
	}
	if *dst != nil && **dst == *v {
		return false
	}
	val := *v
	*dst = &val
	return true
}

func setIntSlice(dst *[]int, v []int) bool {
	if v == nil {
		return false
	}
	if len(*dst) == len(v) {
		same := true
		for i := range v {
			if (*dst)[i] != v[i] {
				same = false
				break
			}
		}
		if same {
			return false
		}
	}
	*dst = v
	return true
}

func setFloatSlice(dst *[]float64, v []float64) bool {
	if v == nil {
		return false
	}
	if len(*dst) == len(v) {
		same := true
		for i := range v {
			if (*dst)[i] != v[i] {
				same = false
				break
			}
		}
		if same {
			return false
		}
	}
	*dst = v
	return true
}

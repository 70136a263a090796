package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"smappee-ev-sync/internal/api"
	"smappee-ev-sync/internal/state"
)

type fakeCloud struct {
	mu sync.Mutex

	devices    []api.SmartDevice
	devicesErr error

	byID      map[string]*api.SmartDevice
	deviceErr error

	metering    *api.MeteringConfiguration
	meteringErr error

	deviceCalls int
}

func (f *fakeCloud) SmartDevices(ctx context.Context) ([]api.SmartDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviceCalls++
	return f.devices, f.devicesErr
}

func (f *fakeCloud) SmartDevice(ctx context.Context, deviceID string) (*api.SmartDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deviceErr != nil {
		return nil, f.deviceErr
	}
	return f.byID[deviceID], nil
}

func (f *fakeCloud) MeteringConfiguration(ctx context.Context) (*api.MeteringConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metering, f.meteringErr
}

func newTestCoordinator(cloud *fakeCloud) *Coordinator {
	return New(cloud, state.StationState{ServiceLocationID: "123", Serial: "SN-1"}, []ConnectorRef{
		{UUID: "conn-1", DeviceID: "dev-1", Number: 1},
		{UUID: "conn-2", DeviceID: "dev-2", Number: 2},
	}, 30*time.Second)
}

func intPtr(v int) *int { return &v }

func TestChargingStatePushUpdatesOnlyTargetConnector(t *testing.T) {
	c := newTestCoordinator(&fakeCloud{})
	before := c.CurrentSnapshot()

	topic := "servicelocation/sl/etc/carcharger/acchargingcontroller/v1/devices/conn-1/property/chargingstate"
	c.ApplyPropertyUpdate(topic, map[string]any{
		"chargingState":        "CHARGING",
		"optimizationStrategy": "EXCESS_ONLY",
		"iecStatus":            "C2",
	})

	after := c.CurrentSnapshot()
	if after == before {
		t.Fatal("snapshot pointer not swapped")
	}
	if after.Generation != before.Generation+1 {
		t.Errorf("generation = %d, want %d", after.Generation, before.Generation+1)
	}

	conn1 := after.Connector("conn-1")
	if conn1.SessionState != "CHARGING" {
		t.Errorf("conn-1 session state = %q", conn1.SessionState)
	}
	if conn1.SelectedMode != state.ModeSolar {
		t.Errorf("conn-1 mode = %q, want SOLAR for EXCESS_ONLY", conn1.SelectedMode)
	}
	if conn1.EVCCState != "C" || conn1.EVCCStateCode == nil || *conn1.EVCCStateCode != 2 {
		t.Errorf("conn-1 evcc = %q / %v", conn1.EVCCState, conn1.EVCCStateCode)
	}

	conn2 := after.Connector("conn-2")
	if conn2.SessionState != "Initialize" {
		t.Errorf("conn-2 session state = %q, should be untouched", conn2.SessionState)
	}

	// The previous snapshot must not have been mutated in place.
	if before.Connector("conn-1").SessionState != "Initialize" {
		t.Error("old snapshot was mutated")
	}
}

func TestPushMarksConnectionAlive(t *testing.T) {
	c := newTestCoordinator(&fakeCloud{})

	c.ApplyPropertyUpdate("servicelocation/sl/homeassistant/heartbeat", map[string]any{})

	snap := c.CurrentSnapshot()
	if !snap.Station.MQTTConnected {
		t.Error("heartbeat did not mark the connection alive")
	}
	if snap.Station.LastPushReceivedAt.IsZero() {
		t.Error("last push timestamp not recorded")
	}
}

func TestDevicesUpdatedPushMergesLimits(t *testing.T) {
	c := newTestCoordinator(&fakeCloud{})

	topic := "servicelocation/sl/etc/carcharger/acchargingcontroller/v1/devices/updated"
	c.ApplyPropertyUpdate(topic, map[string]any{
		"deviceUUID":     "conn-2",
		"minimumCurrent": float64(8),
		"maximumCurrent": float64(25),
		"customConfigurationProperties": map[string]any{
			api.MinExcessProperty:     float64(80),
			api.ChargerNumberProperty: float64(2),
		},
	})

	conn := c.CurrentSnapshot().Connector("conn-2")
	if conn.MinCurrentA != 8 || conn.MaxCurrentA != 25 {
		t.Errorf("current range = [%d, %d], want [8, 25]", conn.MinCurrentA, conn.MaxCurrentA)
	}
	if conn.MinSurplusPercentage != 80 {
		t.Errorf("min surplus = %d, want 80", conn.MinSurplusPercentage)
	}
}

func TestPercentageLimitIgnoredUnderCloudStrategy(t *testing.T) {
	c := newTestCoordinator(&fakeCloud{})

	topic := "servicelocation/sl/etc/carcharger/acchargingcontroller/v1/devices/conn-1/property/chargingstate"
	c.ApplyPropertyUpdate(topic, map[string]any{
		"optimizationStrategy": "EXCESS_ONLY",
		"percentageLimit":      float64(50),
	})
	if got := c.CurrentSnapshot().Connector("conn-1").SelectedPercentageLimit; got != nil {
		t.Errorf("percentage limit = %v, want nil while the cloud drives the limit", *got)
	}

	c.ApplyPropertyUpdate(topic, map[string]any{
		"optimizationStrategy": "NONE",
		"percentageLimit":      float64(50),
	})
	conn := c.CurrentSnapshot().Connector("conn-1")
	if conn.SelectedPercentageLimit == nil || *conn.SelectedPercentageLimit != 50 {
		t.Fatalf("percentage limit = %v, want 50", conn.SelectedPercentageLimit)
	}
	// 50% of the default [6, 32] range.
	if conn.SelectedCurrentLimitA == nil || *conn.SelectedCurrentLimitA != 19 {
		t.Errorf("current limit = %v, want 19", conn.SelectedCurrentLimitA)
	}
}

func TestPausedDerivation(t *testing.T) {
	cases := []struct {
		rawMode, sessionState, cause string
		want                         bool
	}{
		{"PAUSED", "SUSPENDED", "", true},
		{"NORMAL", "SUSPENDED", "SUSPENDED_EVSE", true},
		{"NORMAL", "SUSPENDED", "SUSPENDED_EVSE_MANUAL", true},
		{"NORMAL", "SUSPENDED", "CHARGING_FULL", false},
		{"NORMAL", "CHARGING", "", false},
	}
	for _, tc := range cases {
		if got := isPaused(tc.rawMode, tc.sessionState, tc.cause); got != tc.want {
			t.Errorf("isPaused(%q, %q, %q) = %v, want %v", tc.rawMode, tc.sessionState, tc.cause, got, tc.want)
		}
	}
}

func TestCumulativeEnergyMonotonic(t *testing.T) {
	kwh := func(v float64) *float64 { return &v }

	cases := []struct {
		name         string
		current      *float64
		sessionState string
		candidate    *float64
		wantApplied  bool
		wantValue    *float64
	}{
		{"first value", nil, "CHARGING", kwh(1.5), true, kwh(1.5)},
		{"increase", kwh(1.5), "CHARGING", kwh(2.0), true, kwh(2.0)},
		{"regression rejected", kwh(2.0), "CHARGING", kwh(1.0), false, kwh(2.0)},
		{"equal rejected", kwh(2.0), "CHARGING", kwh(2.0), false, kwh(2.0)},
		{"nil rejected", kwh(2.0), "CHARGING", nil, false, kwh(2.0)},
		{"zero mid-session rejected", kwh(2.0), "CHARGING", kwh(0), false, kwh(2.0)},
		{"zero after session re-baselines", kwh(2.0), "STOPPED", kwh(0), true, kwh(0)},
		{"zero when idle re-baselines", kwh(2.0), "Initialize", kwh(0), true, kwh(0)},
	}

	for _, tc := range cases {
		conn := &state.ConnectorState{SessionState: tc.sessionState, CumulativeEnergyKwh: tc.current}
		applied := applyCumulativeEnergy(conn, tc.candidate)
		if applied != tc.wantApplied {
			t.Errorf("%s: applied = %v, want %v", tc.name, applied, tc.wantApplied)
		}
		got := conn.CumulativeEnergyKwh
		switch {
		case got == nil && tc.wantValue != nil, got != nil && tc.wantValue == nil:
			t.Errorf("%s: value = %v, want %v", tc.name, got, tc.wantValue)
		case got != nil && *got != *tc.wantValue:
			t.Errorf("%s: value = %v, want %v", tc.name, *got, *tc.wantValue)
		}
	}
}

func TestPowerPushUsesIndexMap(t *testing.T) {
	c := newTestCoordinator(&fakeCloud{})
	c.powerIdx = &powerIndexMap{
		grid: channelIndexes{power: []int{0, 1, 2}, cons: []int{0, 1, 2}},
		cars: map[string]channelIndexes{
			"conn-1": {power: []int{3}, cons: []int{3}},
		},
	}

	topic := "servicelocation/sl/power"
	c.ApplyPropertyUpdate(topic, map[string]any{
		"activePowerData":        []any{float64(100), float64(200), float64(300), float64(1400)},
		"currentData":            []any{float64(1000), float64(2000), float64(3000), float64(6500)},
		"importActiveEnergyData": []any{float64(500), float64(500), float64(500), float64(2500)},
		"exportActiveEnergyData": []any{float64(100), float64(100), float64(100), float64(0)},
	})

	snap := c.CurrentSnapshot()
	st := snap.Station
	if st.GridPowerTotalW == nil || *st.GridPowerTotalW != 600 {
		t.Errorf("grid total = %v, want 600", st.GridPowerTotalW)
	}
	if len(st.GridCurrentPhasesA) != 3 || st.GridCurrentPhasesA[1] != 2.0 {
		t.Errorf("grid currents = %v", st.GridCurrentPhasesA)
	}
	if st.GridEnergyImportKwh == nil || *st.GridEnergyImportKwh != 1.5 {
		t.Errorf("grid import = %v, want 1.5", st.GridEnergyImportKwh)
	}
	if st.GridEnergyExportKwh == nil || *st.GridEnergyExportKwh != 0.3 {
		t.Errorf("grid export = %v, want 0.3", st.GridEnergyExportKwh)
	}

	conn := snap.Connector("conn-1")
	if conn.PowerTotalW == nil || *conn.PowerTotalW != 1400 {
		t.Errorf("connector power = %v, want 1400", conn.PowerTotalW)
	}
	if len(conn.CurrentPhasesA) != 1 || conn.CurrentPhasesA[0] != 6.5 {
		t.Errorf("connector currents = %v", conn.CurrentPhasesA)
	}
	if conn.CumulativeEnergyKwh == nil || *conn.CumulativeEnergyKwh != 2.5 {
		t.Errorf("connector energy = %v, want 2.5", conn.CumulativeEnergyKwh)
	}
}

func TestPowerPushWithoutIndexMapIsIgnored(t *testing.T) {
	c := newTestCoordinator(&fakeCloud{})
	before := c.CurrentSnapshot().Station

	c.ApplyPropertyUpdate("servicelocation/sl/power", map[string]any{
		"activePowerData": []any{float64(100)},
	})

	after := c.CurrentSnapshot().Station
	if after.GridPowerTotalW != nil || before.GridPowerTotalW != nil {
		t.Error("power data applied without an index map")
	}
}

func TestPollMergesDeviceReads(t *testing.T) {
	cloud := &fakeCloud{
		devices: []api.SmartDevice{{
			UUID: "station-dev",
			ConfigurationProperties: []api.Property{{
				Spec:  api.PropertySpec{Name: api.BrightnessProperty},
				Value: map[string]any{"value": float64(70)},
			}},
		}},
		byID: map[string]*api.SmartDevice{
			"dev-1": {
				UUID: "conn-1",
				Properties: []api.Property{
					{Spec: api.PropertySpec{Name: "chargingState"}, Value: "CHARGING"},
				},
				ConfigurationProperties: []api.Property{
					{Spec: api.PropertySpec{Name: api.MaxCurrentProperty}, Value: map[string]any{"value": float64(20)}},
					{Spec: api.PropertySpec{Name: api.MinCurrentProperty}, Value: map[string]any{"value": float64(10)}},
				},
			},
		},
	}
	c := newTestCoordinator(cloud)

	c.Poll(context.Background())

	snap := c.CurrentSnapshot()
	if snap.Station.LEDBrightness != 70 {
		t.Errorf("brightness = %d, want 70", snap.Station.LEDBrightness)
	}
	conn := snap.Connector("conn-1")
	if conn.SessionState != "CHARGING" {
		t.Errorf("session state = %q", conn.SessionState)
	}
	if conn.MinCurrentA != 10 || conn.MaxCurrentA != 20 {
		t.Errorf("current range = [%d, %d], want [10, 20]", conn.MinCurrentA, conn.MaxCurrentA)
	}
	// dev-2 has no device in the fake; conn-2 keeps its defaults.
	if conn2 := snap.Connector("conn-2"); conn2.MaxCurrentA != 32 {
		t.Errorf("conn-2 max current = %d, want untouched default", conn2.MaxCurrentA)
	}
}

func TestPollFailureKeepsPreviousSnapshot(t *testing.T) {
	cloud := &fakeCloud{devicesErr: &api.TransientError{}}
	c := newTestCoordinator(cloud)
	before := c.CurrentSnapshot()

	c.Poll(context.Background())

	if c.CurrentSnapshot() != before {
		t.Error("snapshot replaced despite a failed poll")
	}
	if c.AuthRequired() {
		t.Error("transient failure must not halt polling")
	}
}

func TestAuthFailureHaltsPolling(t *testing.T) {
	cloud := &fakeCloud{devicesErr: &api.AuthFailureError{Reason: "revoked"}}
	c := newTestCoordinator(cloud)

	c.Poll(context.Background())
	if !c.AuthRequired() {
		t.Fatal("auth failure did not halt polling")
	}

	cloud.mu.Lock()
	cloud.devicesErr = nil
	callsAfterHalt := cloud.deviceCalls
	cloud.mu.Unlock()

	c.Poll(context.Background())
	cloud.mu.Lock()
	defer cloud.mu.Unlock()
	if cloud.deviceCalls != callsAfterHalt {
		t.Error("poll hit the cloud while halted for reauthentication")
	}
}

func TestObserverNotifyAndRemove(t *testing.T) {
	c := newTestCoordinator(&fakeCloud{})

	var notified int
	id := c.RegisterObserver(func(snap *state.Snapshot) {
		notified++
		if snap == nil {
			t.Error("observer got a nil snapshot")
		}
	})

	topic := "servicelocation/sl/etc/carcharger/acchargingcontroller/v1/devices/conn-1/property/chargingstate"
	c.ApplyPropertyUpdate(topic, map[string]any{"chargingState": "CHARGING"})
	if notified != 1 {
		t.Fatalf("notified %d times, want 1", notified)
	}

	// Re-delivering the same state is not a logical change.
	c.ApplyPropertyUpdate(topic, map[string]any{"chargingState": "CHARGING"})
	if notified != 1 {
		t.Errorf("notified %d times after a no-op push, want still 1", notified)
	}

	c.RemoveObserver(id)
	c.ApplyPropertyUpdate(topic, map[string]any{"chargingState": "STOPPED"})
	if notified != 1 {
		t.Errorf("notified %d times after removal, want still 1", notified)
	}
}

func TestSetConnectionStateGracePeriod(t *testing.T) {
	c := newTestCoordinator(&fakeCloud{})

	now := time.Now()
	c.now = func() time.Time { return now }

	c.SetConnectionState(true)
	if !c.CurrentSnapshot().Station.MQTTConnected {
		t.Fatal("up transition not recorded")
	}

	// A drop right after a push is treated as a blip.
	c.SetConnectionState(false)
	if !c.CurrentSnapshot().Station.MQTTConnected {
		t.Error("connection marked down inside the grace window")
	}

	now = now.Add(pushGrace + time.Second)
	c.SetConnectionState(false)
	if c.CurrentSnapshot().Station.MQTTConnected {
		t.Error("connection still marked up after the grace window")
	}
}

func TestLEDUpdatePush(t *testing.T) {
	c := newTestCoordinator(&fakeCloud{})

	topic := "servicelocation/sl/etc/led/acledcontroller/v1/devices/updated"
	c.ApplyPropertyUpdate(topic, map[string]any{
		"configurationPropertyValues": []any{
			map[string]any{"propertySpecName": "something.else", "value": float64(1)},
			map[string]any{"propertySpecName": api.BrightnessProperty, "value": float64(40)},
		},
	})

	if got := c.CurrentSnapshot().Station.LEDBrightness; got != 40 {
		t.Errorf("brightness = %d, want 40", got)
	}
}

func TestBuildPowerIndexMap(t *testing.T) {
	cfg := &api.MeteringConfiguration{
		Measurements: []api.Measurement{
			{Type: "GRID", Channels: []api.MeteringChannel{
				{PowerTopicIndex: intPtr(0), ConsumptionIndex: intPtr(0)},
				{PowerTopicIndex: intPtr(1), ConsumptionIndex: intPtr(1)},
			}},
			{Type: "PRODUCTION", Channels: []api.MeteringChannel{
				{PowerTopicIndex: intPtr(2), ConsumptionIndex: intPtr(2)},
			}},
		},
		ChargingStations: []api.ChargingStationConfig{{
			Serial: "SN-1",
			Chargers: []api.ChargerConfig{{
				UUID:     "conn-1",
				Channels: []api.MeteringChannel{{PowerTopicIndex: intPtr(3), ConsumptionIndex: intPtr(3)}},
			}},
		}},
	}

	idx := buildPowerIndexMap(cfg)
	if len(idx.grid.power) != 2 || idx.grid.power[1] != 1 {
		t.Errorf("grid power indexes = %v", idx.grid.power)
	}
	if len(idx.pv.power) != 1 || idx.pv.power[0] != 2 {
		t.Errorf("pv power indexes = %v", idx.pv.power)
	}
	car, ok := idx.cars["conn-1"]
	if !ok || len(car.cons) != 1 || car.cons[0] != 3 {
		t.Errorf("car indexes = %+v", idx.cars)
	}
}

func TestTopicHelpers(t *testing.T) {
	topic := "servicelocation/sl/etc/carcharger/acchargingcontroller/v1/devices/conn-9/property/chargingstate"
	if got := deviceUUIDFromTopic(topic); got != "conn-9" {
		t.Errorf("deviceUUIDFromTopic = %q", got)
	}
	if got := propertyNameFromTopic(topic); got != "chargingstate" {
		t.Errorf("propertyNameFromTopic = %q", got)
	}
	if got := deviceUUIDFromTopic("servicelocation/sl/power"); got != "" {
		t.Errorf("deviceUUIDFromTopic on power topic = %q", got)
	}
}

func TestRefreshNowDoesNotBlock(t *testing.T) {
	c := newTestCoordinator(&fakeCloud{})
	// No loop is draining the request channel; repeated calls must still
	// return immediately.
	for i := 0; i < 5; i++ {
		c.RefreshNow()
	}
}

package state

import "time"

// ChargingMode is the closed set of modes the cloud understands.
type ChargingMode string

const (
	ModeNormal   ChargingMode = "NORMAL"
	ModeStandard ChargingMode = "STANDARD"
	ModeSmart    ChargingMode = "SMART"
	ModeSolar    ChargingMode = "SOLAR"
	ModePaused   ChargingMode = "PAUSED"
)

// ValidChargingMode reports whether s names a known charging mode.
func ValidChargingMode(s string) bool {
	switch ChargingMode(s) {
	case ModeNormal, ModeStandard, ModeSmart, ModeSolar, ModePaused:
		return true
	}
	return false
}

// ConnectorState holds the last known state of one connector, keyed by the
// connector's smart-device UUID within its parent station.
type ConnectorState struct {
	ConnectorUUID   string
	ConnectorNumber int

	SessionState         string
	SelectedMode         ChargingMode
	RawChargingMode      string
	OptimizationStrategy string
	Paused               bool

	SelectedCurrentLimitA   *int
	SelectedPercentageLimit *int
	MinCurrentA             int
	MaxCurrentA             int
	MinSurplusPercentage    int

	ConnectionStatus    string
	ConfigurationErrors []string
	IECStatus           string
	Available           bool
	SessionCause        string
	StoppedByCloud      *bool

	EVCCState     string
	EVCCStateCode *int

	PowerPhasesW        []int
	CurrentPhasesA      []float64
	PowerTotalW         *int
	CumulativeEnergyKwh *float64

	LastUpdatedAt time.Time
}

// StationState holds station-wide state shared by all connectors.
type StationState struct {
	ServiceLocationID string
	StationUUID       string
	Serial            string

	Available     bool
	LEDBrightness int

	MQTTConnected      bool
	LastPushReceivedAt time.Time

	GridPowerTotalW     *int
	GridPowerPhasesW    []int
	GridCurrentPhasesA  []float64
	GridEnergyImportKwh *float64
	GridEnergyExportKwh *float64

	PVPowerTotalW     *int
	PVPowerPhasesW    []int
	PVCurrentPhasesA  []float64
	PVEnergyImportKwh *float64
}

// Snapshot is the complete point-in-time view of the station and its
// connectors. Snapshots are replaced wholesale on merge; readers must treat
// them as immutable.
type Snapshot struct {
	Station    StationState
	Connectors map[string]*ConnectorState
	Generation uint64
	UpdatedAt  time.Time
}

// NewSnapshot builds the initial snapshot for a station and its connectors.
func NewSnapshot(station StationState, connectors []ConnectorState) *Snapshot {
	snap := &Snapshot{
		Station:    station,
		Connectors: make(map[string]*ConnectorState, len(connectors)),
		UpdatedAt:  time.Now().UTC(),
	}
	for i := range connectors {
		c := connectors[i]
		snap.Connectors[c.ConnectorUUID] = &c
	}
	return snap
}

// Clone returns a deep copy safe to mutate while readers hold the original.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Station:    s.Station,
		Connectors: make(map[string]*ConnectorState, len(s.Connectors)),
		Generation: s.Generation,
		UpdatedAt:  s.UpdatedAt,
	}
	out.Station.GridPowerPhasesW = cloneInts(s.Station.GridPowerPhasesW)
	out.Station.GridCurrentPhasesA = cloneFloats(s.Station.GridCurrentPhasesA)
	out.Station.PVPowerPhasesW = cloneInts(s.Station.PVPowerPhasesW)
	out.Station.PVCurrentPhasesA = cloneFloats(s.Station.PVCurrentPhasesA)
	out.Station.GridPowerTotalW = cloneIntPtr(s.Station.GridPowerTotalW)
	out.Station.GridEnergyImportKwh = cloneFloatPtr(s.Station.GridEnergyImportKwh)
	out.Station.GridEnergyExportKwh = cloneFloatPtr(s.Station.GridEnergyExportKwh)
	out.Station.PVPowerTotalW = cloneIntPtr(s.Station.PVPowerTotalW)
	out.Station.PVEnergyImportKwh = cloneFloatPtr(s.Station.PVEnergyImportKwh)

	for uuid, c := range s.Connectors {
		cc := *c
		cc.SelectedCurrentLimitA = cloneIntPtr(c.SelectedCurrentLimitA)
		cc.SelectedPercentageLimit = cloneIntPtr(c.SelectedPercentageLimit)
		cc.StoppedByCloud = cloneBoolPtr(c.StoppedByCloud)
		cc.EVCCStateCode = cloneIntPtr(c.EVCCStateCode)
		cc.PowerTotalW = cloneIntPtr(c.PowerTotalW)
		cc.CumulativeEnergyKwh = cloneFloatPtr(c.CumulativeEnergyKwh)
		cc.ConfigurationErrors = cloneStrings(c.ConfigurationErrors)
		cc.PowerPhasesW = cloneInts(c.PowerPhasesW)
		cc.CurrentPhasesA = cloneFloats(c.CurrentPhasesA)
		out.Connectors[uuid] = &cc
	}
	return out
}

// Connector returns the connector with the given UUID, or nil.
func (s *Snapshot) Connector(uuid string) *ConnectorState {
	return s.Connectors[uuid]
}

func cloneInts(in []int) []int {
	if in == nil {
		return nil
	}
	out := make([]int, len(in))
	copy(out, in)
	return out
}

func cloneFloats(in []float64) []float64 {
	if in == nil {
		return nil
	}
	out := make([]float64, len(in))
	copy(out, in)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneIntPtr(in *int) *int {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}

func cloneFloatPtr(in *float64) *float64 {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}

func cloneBoolPtr(in *bool) *bool {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}

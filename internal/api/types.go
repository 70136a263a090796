package api

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type ServiceLocation struct {
	ServiceLocationID   int64  `json:"serviceLocationId"`
	ServiceLocationUUID string `json:"serviceLocationUuid"`
	DeviceSerialNumber  string `json:"deviceSerialNumber"`
	Name                string `json:"name"`
}

// The service-location list arrives either bare or wrapped in an object.
type serviceLocationsResponse struct {
	ServiceLocations []ServiceLocation `json:"serviceLocations"`
}

type PropertySpec struct {
	Name    string `json:"name"`
	Species string `json:"species"`
}

// Property values are loosely typed on the wire: scalars for runtime
// properties, {"value": ...} objects for configuration properties.
type Property struct {
	Spec  PropertySpec `json:"spec"`
	Value any          `json:"value"`
}

// ScalarValue unwraps a possible {"value": ...} envelope.
func (p Property) ScalarValue() any {
	if m, ok := p.Value.(map[string]any); ok {
		return m["value"]
	}
	return p.Value
}

type SmartDevice struct {
	ID                      any        `json:"id"`
	UUID                    string     `json:"uuid"`
	Name                    string     `json:"name"`
	Properties              []Property `json:"properties"`
	ConfigurationProperties []Property `json:"configurationProperties"`
}

type MeteringChannel struct {
	PowerTopicIndex  *int `json:"powerTopicIndex"`
	ConsumptionIndex *int `json:"consumptionIndex"`
}

type Measurement struct {
	Type     string            `json:"type"`
	Channels []MeteringChannel `json:"channels"`
}

type ChargerConfig struct {
	UUID         string            `json:"uuid"`
	SerialNumber string            `json:"serialNumber"`
	Position     *int              `json:"position"`
	Channels     []MeteringChannel `json:"channels"`
}

type ChargingStationConfig struct {
	Serial   string          `json:"serialNumber"`
	Chargers []ChargerConfig `json:"chargers"`
}

type MeteringConfiguration struct {
	Measurements     []Measurement           `json:"measurements"`
	ChargingStations []ChargingStationConfig `json:"chargingStations"`
}

type ChargingSession struct {
	ID            int64   `json:"id"`
	StartMillis   int64   `json:"startTime"`
	StopMillis    int64   `json:"stopTime"`
	EnergyKwh     float64 `json:"energy"`
	Status        string  `json:"status"`
	ConnectorUUID string  `json:"chargerUuid"`
}

// actionProperty is the body element of smart-device action calls.
type actionProperty struct {
	Spec  PropertySpec `json:"spec"`
	Value any          `json:"value"`
}

// Configuration property names used by the cloud for EV chargers.
const (
	BrightnessProperty    = "etc.smart.device.type.car.charger.led.config.brightness"
	MaxCurrentProperty    = "etc.smart.device.type.car.charger.config.max.current"
	MinCurrentProperty    = "etc.smart.device.type.car.charger.config.min.current"
	MinExcessProperty     = "etc.smart.device.type.car.charger.config.min.excesspct"
	ChargerNumberProperty = "etc.smart.device.type.car.charger.smappee.charger.number"
)

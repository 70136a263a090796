package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"smappee-ev-sync/internal/logging"
	"smappee-ev-sync/internal/state"
)

const (
	httpConnectTimeout = 5 * time.Second
	httpRequestTimeout = 15 * time.Second
)

var l = logging.Logger

// Client issues authenticated REST calls against the vendor cloud. Every
// call obtains a bearer token from the token manager first; a 401 triggers
// exactly one forced refresh and retry before the call fails.
type Client struct {
	tokens            *TokenManager
	http              *resty.Client
	baseURL           string
	serviceLocationID string
	serial            string
	stationDeviceUUID string
}

func NewClient(tokens *TokenManager, baseURL, serviceLocationID, serial, stationDeviceUUID string) *Client {
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: httpConnectTimeout}).DialContext,
		TLSHandshakeTimeout: httpConnectTimeout,
	}
	return &Client{
		tokens:            tokens,
		http:              resty.New().SetTimeout(httpRequestTimeout).SetTransport(transport),
		baseURL:           baseURL,
		serviceLocationID: serviceLocationID,
		serial:            serial,
		stationDeviceUUID: stationDeviceUUID,
	}
}

// ServiceLocationID reports the configured service location.
func (c *Client) ServiceLocationID() string { return c.serviceLocationID }

// StationDeviceUUID reports the station-level smart device.
func (c *Client) StationDeviceUUID() string { return c.stationDeviceUUID }

// do runs one authenticated request, retrying once after a forced token
// refresh when the cloud answers 401. Commands call it exactly once per
// user action; there is no other implicit retry.
func (c *Client) do(ctx context.Context, method, url string, body any, out any) error {
	creds, err := c.tokens.EnsureValid(ctx)
	if err != nil {
		return err
	}

	resp, err := c.request(ctx, creds.AccessToken, method, url, body)
	if err != nil {
		return &TransientError{Err: err}
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		l.Debugw("401 from cloud, forcing token refresh", "url", url)
		creds, err = c.tokens.ForceRefresh(ctx)
		if err != nil {
			return err
		}
		resp, err = c.request(ctx, creds.AccessToken, method, url, body)
		if err != nil {
			return &TransientError{Err: err}
		}
		if resp.StatusCode() == http.StatusUnauthorized {
			return &AuthFailureError{Reason: "request rejected twice with 401", Err: ErrAuthExpired}
		}
	}

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return &RemoteError{Status: resp.StatusCode(), Body: string(resp.Body())}
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("error parsing response from %s: %w", url, err)
		}
	}
	return nil
}

func (c *Client) request(ctx context.Context, token, method, url string, body any) (*resty.Response, error) {
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+token).
		SetHeader("Content-Type", "application/json")
	if body != nil {
		req.SetBody(body)
	}
	return req.Execute(method, url)
}

// -------------------------------------------------------------------------
// Reads
// -------------------------------------------------------------------------

// ServiceLocations lists the service locations visible to the account. The
// cloud wraps the list in an object but older responses send it bare.
func (c *Client) ServiceLocations(ctx context.Context) ([]ServiceLocation, error) {
	url := fmt.Sprintf("%s/servicelocation", c.baseURL)

	creds, err := c.tokens.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, creds.AccessToken, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &RemoteError{Status: resp.StatusCode(), Body: string(resp.Body())}
	}

	var wrapped serviceLocationsResponse
	if err := json.Unmarshal(resp.Body(), &wrapped); err == nil && wrapped.ServiceLocations != nil {
		return wrapped.ServiceLocations, nil
	}
	var bare []ServiceLocation
	if err := json.Unmarshal(resp.Body(), &bare); err != nil {
		return nil, fmt.Errorf("error parsing service locations: %w", err)
	}
	return bare, nil
}

// ResolveServiceLocationUUID finds the pub/sub identity for the configured
// service location, matching by id first and by device serial as fallback.
func (c *Client) ResolveServiceLocationUUID(ctx context.Context) (string, error) {
	locations, err := c.ServiceLocations(ctx)
	if err != nil {
		return "", err
	}

	for _, loc := range locations {
		if c.serviceLocationID != "" && fmt.Sprintf("%d", loc.ServiceLocationID) == c.serviceLocationID {
			return loc.ServiceLocationUUID, nil
		}
	}
	for _, loc := range locations {
		if c.serial != "" && loc.DeviceSerialNumber == c.serial {
			return loc.ServiceLocationUUID, nil
		}
	}
	return "", fmt.Errorf("service location %q (serial %q) not found", c.serviceLocationID, c.serial)
}

func (c *Client) SmartDevices(ctx context.Context) ([]SmartDevice, error) {
	url := fmt.Sprintf("%s/servicelocation/%s/smartdevices", c.baseURL, c.serviceLocationID)
	var devices []SmartDevice
	if err := c.do(ctx, http.MethodGet, url, nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (c *Client) SmartDevice(ctx context.Context, deviceID string) (*SmartDevice, error) {
	url := fmt.Sprintf("%s/servicelocation/%s/smartdevices/%s", c.baseURL, c.serviceLocationID, deviceID)
	var device SmartDevice
	if err := c.do(ctx, http.MethodGet, url, nil, &device); err != nil {
		return nil, err
	}
	return &device, nil
}

func (c *Client) MeteringConfiguration(ctx context.Context) (*MeteringConfiguration, error) {
	url := fmt.Sprintf("%s/servicelocation/%s/meteringconfiguration", c.baseURL, c.serviceLocationID)
	var cfg MeteringConfiguration
	if err := c.do(ctx, http.MethodGet, url, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ActiveSession returns the most recent charging session for the station,
// or nil when the history is empty.
func (c *Client) ActiveSession(ctx context.Context) (*ChargingSession, error) {
	url := fmt.Sprintf("%s/chargingstations/%s/sessions", c.baseURL, c.serial)
	var sessions []ChargingSession
	if err := c.do(ctx, http.MethodGet, url, nil, &sessions); err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	latest := sessions[0]
	for _, s := range sessions[1:] {
		if s.StartMillis > latest.StartMillis {
			latest = s
		}
	}
	return &latest, nil
}

// -------------------------------------------------------------------------
// Commands
// -------------------------------------------------------------------------

func (c *Client) actionURL(deviceUUID, action string) string {
	return fmt.Sprintf("%s/servicelocation/%s/smartdevices/%s/actions/%s",
		c.baseURL, c.serviceLocationID, deviceUUID, action)
}

// SetChargingMode switches the connector's charging mode. NORMAL is sent to
// the cloud as STANDARD; PAUSED is not a settable mode, use PauseCharging.
func (c *Client) SetChargingMode(ctx context.Context, deviceUUID string, mode state.ChargingMode) error {
	if !state.ValidChargingMode(string(mode)) {
		return fmt.Errorf("unknown charging mode %q", mode)
	}
	if mode == state.ModeNormal {
		mode = state.ModeStandard
	}
	switch mode {
	case state.ModeStandard, state.ModeSmart, state.ModeSolar:
	default:
		return fmt.Errorf("charging mode %q cannot be set directly", mode)
	}

	payload := []actionProperty{{
		Spec:  PropertySpec{Name: "mode", Species: "String"},
		Value: string(mode),
	}}
	l.Debugw("setting charging mode", "device", deviceUUID, "mode", mode)
	return c.do(ctx, http.MethodPost, c.actionURL(deviceUUID, "setChargingMode"), payload, nil)
}

// SetConnectorMode writes the mode straight to the connector endpoint with
// an optional current limit in amps, clamped to [minCurrent, maxCurrent].
// Unlike SetChargingMode this accepts NORMAL as-is.
func (c *Client) SetConnectorMode(ctx context.Context, connectorNumber int, mode state.ChargingMode, limitAmps *int, minCurrent, maxCurrent int) error {
	if !state.ValidChargingMode(string(mode)) {
		return fmt.Errorf("unknown charging mode %q", mode)
	}

	payload := map[string]any{"mode": string(mode)}
	if limitAmps != nil {
		amps := *limitAmps
		if amps < minCurrent {
			amps = minCurrent
		}
		if amps > maxCurrent {
			amps = maxCurrent
		}
		payload["limit"] = map[string]any{"unit": "AMPERE", "value": amps}
	}

	url := fmt.Sprintf("%s/chargingstations/%s/connectors/%d/mode", c.baseURL, c.serial, connectorNumber)
	l.Debugw("setting connector mode", "connector", connectorNumber, "mode", mode)
	return c.do(ctx, http.MethodPut, url, payload, nil)
}

// StartCharging starts a session limited to the given percentage of the
// connector's current range.
func (c *Client) StartCharging(ctx context.Context, deviceUUID string, percentage int) error {
	if percentage < 0 || percentage > 100 {
		return fmt.Errorf("percentage %d out of range [0,100]", percentage)
	}
	payload := []actionProperty{{
		Spec:  PropertySpec{Name: "percentageLimit", Species: "Integer"},
		Value: percentage,
	}}
	return c.do(ctx, http.MethodPost, c.actionURL(deviceUUID, "startCharging"), payload, nil)
}

// StartChargingCurrent maps a current limit in amps onto the connector's
// [min,max] range and starts charging at the resulting percentage.
func (c *Client) StartChargingCurrent(ctx context.Context, deviceUUID string, amps, minCurrent, maxCurrent int) error {
	return c.StartCharging(ctx, deviceUUID, PercentageForCurrent(amps, minCurrent, maxCurrent))
}

func (c *Client) PauseCharging(ctx context.Context, deviceUUID string) error {
	return c.do(ctx, http.MethodPost, c.actionURL(deviceUUID, "pauseCharging"), []actionProperty{}, nil)
}

func (c *Client) StopCharging(ctx context.Context, deviceUUID string) error {
	return c.do(ctx, http.MethodPost, c.actionURL(deviceUUID, "stopCharging"), []actionProperty{}, nil)
}

// SetBrightness sets the station LED brightness percentage.
func (c *Client) SetBrightness(ctx context.Context, brightness int) error {
	if brightness < 0 || brightness > 100 {
		return fmt.Errorf("brightness %d out of range [0,100]", brightness)
	}
	payload := []actionProperty{{
		Spec:  PropertySpec{Name: BrightnessProperty, Species: "Integer"},
		Value: brightness,
	}}
	return c.do(ctx, http.MethodPost, c.actionURL(c.stationDeviceUUID, "setBrightness"), payload, nil)
}

// SetAvailability marks the connector available or unavailable for charging.
func (c *Client) SetAvailability(ctx context.Context, deviceUUID string, available bool) error {
	action := "setUnavailable"
	if available {
		action = "setAvailable"
	}
	return c.do(ctx, http.MethodPost, c.actionURL(deviceUUID, action), []actionProperty{}, nil)
}

func (c *Client) SetPercentageLimit(ctx context.Context, deviceUUID string, percentage int) error {
	if percentage < 0 || percentage > 100 {
		return fmt.Errorf("percentage %d out of range [0,100]", percentage)
	}
	payload := []actionProperty{{
		Spec:  PropertySpec{Name: "percentageLimit", Species: "Integer"},
		Value: percentage,
	}}
	return c.do(ctx, http.MethodPost, c.actionURL(deviceUUID, "setPercentageLimit"), payload, nil)
}

// SetMinSurplusPercentage patches the minimum solar-surplus configuration
// property on the connector's smart device.
func (c *Client) SetMinSurplusPercentage(ctx context.Context, deviceID string, percentage int) error {
	if percentage < 0 || percentage > 100 {
		return fmt.Errorf("percentage %d out of range [0,100]", percentage)
	}
	url := fmt.Sprintf("%s/servicelocation/%s/smartdevices/%s", c.baseURL, c.serviceLocationID, deviceID)
	payload := map[string]any{
		"configurationProperties": []actionProperty{{
			Spec:  PropertySpec{Name: MinExcessProperty, Species: "Integer"},
			Value: percentage,
		}},
	}
	return c.do(ctx, http.MethodPatch, url, payload, nil)
}

// PercentageForCurrent converts a current limit in amps to a percentage of
// the [minCurrent, maxCurrent] range, clamping on both ends.
func PercentageForCurrent(amps, minCurrent, maxCurrent int) int {
	if maxCurrent < minCurrent {
		minCurrent, maxCurrent = maxCurrent, minCurrent
	}
	if maxCurrent == minCurrent {
		return 100
	}
	if amps < minCurrent {
		amps = minCurrent
	}
	if amps > maxCurrent {
		amps = maxCurrent
	}
	rng := maxCurrent - minCurrent
	pct := int(float64(amps-minCurrent)*100.0/float64(rng) + 0.5)
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

// CurrentForPercentage is the inverse mapping, used when a push event only
// carries the percentage limit.
func CurrentForPercentage(pct, minCurrent, maxCurrent int) int {
	if maxCurrent <= minCurrent {
		return minCurrent
	}
	rng := maxCurrent - minCurrent
	cur := minCurrent + int(float64(pct)/100.0*float64(rng)+0.5)
	if cur < minCurrent {
		cur = minCurrent
	}
	if cur > maxCurrent {
		cur = maxCurrent
	}
	return cur
}

package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"smappee-ev-sync/internal/logging"
)

var l = logging.Logger

const (
	trackingInterval = 60 * time.Second
	connectTimeout   = 10 * time.Second

	reconnectInitialBackoff = 1 * time.Second
	reconnectMaxBackoff     = 60 * time.Second

	// Inbound messages queue here between the broker callback and the
	// consume loop; overflow is dropped rather than blocking the broker.
	inboundQueueSize = 64
)

// Handler receives decoded property updates from the broker.
type Handler func(topic string, payload map[string]any)

// ConnectionHandler is notified when the broker session goes up or down.
type ConnectionHandler func(connected bool)

type Config struct {
	Host                string
	Port                int
	ServiceLocationUUID string
	ServiceLocationID   string
	ClientID            string
	SerialNumber        string
}

// Gateway maintains the TLS pub/sub session for one service location. After
// a successful Start it keeps two loops running: a consume loop that decodes
// inbound events for the handler, and a tracking loop that keeps the
// server-side live feed active. A dropped connection reconnects with
// exponential backoff (1s doubling to 60s).
type Gateway struct {
	cfg    Config
	onProp Handler
	onConn ConnectionHandler

	mu      sync.Mutex
	client  pahomqtt.Client
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	inbound chan pahomqtt.Message
}

func NewGateway(cfg Config, onProperties Handler, onConnectionChange ConnectionHandler) *Gateway {
	return &Gateway{
		cfg:    cfg,
		onProp: onProperties,
		onConn: onConnectionChange,
	}
}

func (g *Gateway) topicPrefix() string {
	return "servicelocation/" + g.cfg.ServiceLocationUUID
}

func (g *Gateway) subscriptionTopics() []string {
	prefix := g.topicPrefix()
	return []string{
		prefix + "/etc/carcharger/acchargingcontroller/v1/devices/+/state",
		prefix + "/etc/carcharger/acchargingcontroller/v1/devices/+/property/chargingstate",
		prefix + "/etc/carcharger/acchargingcontroller/v1/devices/updated",
		prefix + "/etc/led/acledcontroller/v1/devices/updated",
		prefix + "/power",
		prefix + "/homeassistant/heartbeat",
	}
}

// Start connects, subscribes and launches both loops. If the initial
// connect or subscribe fails, everything is torn down before returning so
// no partial session remains.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return nil
	}

	g.stopCh = make(chan struct{})
	g.inbound = make(chan pahomqtt.Message, inboundQueueSize)

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("ssl://%s:%d", g.cfg.Host, g.cfg.Port))
	opts.SetClientID(g.cfg.ClientID)
	opts.SetUsername(g.cfg.ServiceLocationUUID)
	opts.SetPassword(g.cfg.ServiceLocationUUID)
	opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	opts.SetCleanSession(true)
	opts.SetKeepAlive(trackingInterval)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(reconnectInitialBackoff)
	opts.SetMaxReconnectInterval(reconnectMaxBackoff)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		// Fires on the initial connect and every reconnect; subscriptions
		// do not survive a clean-session reconnect so they are redone here.
		if err := g.subscribeAll(c); err != nil {
			l.Warnw("resubscribe after connect failed", "error", err)
		}
		g.publishTracking(c)
		g.notifyConn(true)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		l.Warnw("broker connection lost", "error", err)
		g.notifyConn(false)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return fmt.Errorf("timed out connecting to broker %s:%d", g.cfg.Host, g.cfg.Port)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("error connecting to broker: %w", err)
	}
	if err := g.subscribeAll(client); err != nil {
		client.Disconnect(250)
		return err
	}

	g.client = client
	g.started = true

	g.wg.Add(2)
	go g.consumeLoop()
	go g.trackingLoop(client)

	l.Infow("live update gateway started", "broker", g.cfg.Host, "serviceLocation", g.cfg.ServiceLocationUUID)
	return nil
}

// Stop signals both loops, waits for them and disconnects. Calling it
// twice, or without a successful Start, is a no-op.
func (g *Gateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		return
	}
	g.started = false

	close(g.stopCh)
	g.wg.Wait()
	g.client.Disconnect(250)
	g.client = nil
	g.notifyConn(false)

	l.Infow("live update gateway stopped")
}

func (g *Gateway) subscribeAll(c pahomqtt.Client) error {
	for _, topic := range g.subscriptionTopics() {
		token := c.Subscribe(topic, 1, g.onMessage)
		if !token.WaitTimeout(connectTimeout) {
			return fmt.Errorf("timed out subscribing to %s", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("error subscribing to %s: %w", topic, err)
		}
	}
	return nil
}

// onMessage runs on the broker client's router goroutine; it must not
// block, so overflow is dropped with a log line.
func (g *Gateway) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	select {
	case g.inbound <- msg:
	default:
		l.Warnw("inbound queue full, dropping message", "topic", msg.Topic())
	}
}

func (g *Gateway) consumeLoop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stopCh:
			return
		case msg := <-g.inbound:
			payload, err := DecodePayload(msg.Payload())
			if err != nil {
				l.Debugw("dropping non-JSON payload", "topic", msg.Topic(), "error", err)
				continue
			}
			g.onProp(msg.Topic(), payload)
		}
	}
}

// trackingLoop publishes the keep-alive every interval. Individual publish
// failures are logged and swallowed so one bad cycle does not end the loop.
func (g *Gateway) trackingLoop(client pahomqtt.Client) {
	defer g.wg.Done()

	ticker := time.NewTicker(trackingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			if client.IsConnectionOpen() {
				g.publishTracking(client)
			}
		}
	}
}

func (g *Gateway) publishTracking(c pahomqtt.Client) {
	tracking := map[string]any{
		"value":        "ON",
		"clientId":     g.cfg.ClientID,
		"serialNumber": g.cfg.SerialNumber,
		"type":         "RT_VALUES",
	}
	g.publishJSON(c, g.topicPrefix()+"/tracking", tracking)

	heartbeat := map[string]any{"serviceLocationId": serviceLocationIDValue(g.cfg.ServiceLocationID)}
	g.publishJSON(c, g.topicPrefix()+"/homeassistant/heartbeat", heartbeat)
}

func (g *Gateway) publishJSON(c pahomqtt.Client, topic string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		l.Warnw("error marshalling publish payload", "topic", topic, "error", err)
		return
	}
	token := c.Publish(topic, 0, false, body)
	if !token.WaitTimeout(trackingInterval) {
		l.Warnw("timed out publishing", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		l.Warnw("error publishing", "topic", topic, "error", err)
	}
}

func (g *Gateway) notifyConn(up bool) {
	if g.onConn != nil {
		g.onConn(up)
	}
}

// serviceLocationIDValue prefers the numeric form of the id when it parses.
func serviceLocationIDValue(id string) any {
	if n, err := strconv.Atoi(id); err == nil {
		return n
	}
	return id
}

// DecodePayload parses an inbound event body. Some events double-encode the
// real object under a jsonContent key; those are unwrapped, carrying the
// envelope's device UUID and message type into the inner object.
func DecodePayload(raw []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}

	jc, ok := payload["jsonContent"].(string)
	if !ok {
		return payload, nil
	}

	var inner map[string]any
	if err := json.Unmarshal([]byte(jc), &inner); err != nil {
		// Unparseable inner content: keep the envelope as-is.
		return payload, nil
	}
	for _, key := range []string{"deviceUUID", "messageType", "messsageType"} {
		if v, exists := payload[key]; exists {
			if _, taken := inner[key]; !taken {
				inner[key] = v
			}
		}
	}
	return inner, nil
}

package control

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/TheBlackmad/AutomatedHome/internal/config"
	"github.com/TheBlackmad/AutomatedHome/internal/region"
)

// FlagStore is the part of the region the control plane drives.
type FlagStore interface {
	Flag(f region.Flag) bool
	SetFlag(f region.Flag, on bool) error
	FlagState() map[string]bool
}

// State is the retained message published on the state topic.
type State struct {
	Camera    string          `json:"camera"`
	Flags     map[string]bool `json:"flags"`
	Attached  int             `json:"attached"`
	Timestamp string          `json:"timestamp"`
}

// Plane maps MQTT messages on <prefix>/<camera>/set/<flag> onto region flags
// and publishes the flag table, retained, on <prefix>/<camera>/state.
type Plane struct {
	cfg    config.MQTTConfig
	camera string
	store  FlagStore

	// attached reports the number of processes using the region, 0 when nil.
	attached func() int

	mu     sync.Mutex
	client mqtt.Client
}

// NewPlane creates a control plane for camera. It does not connect.
func NewPlane(camera string, cfg config.MQTTConfig, store FlagStore) *Plane {
	return &Plane{cfg: cfg, camera: camera, store: store}
}

// SetTopic is the subscription filter for flag updates.
func (p *Plane) SetTopic() string {
	return p.topic("set/+")
}

// StateTopic is the retained state topic.
func (p *Plane) StateTopic() string {
	return p.topic("state")
}

func (p *Plane) topic(suffix string) string {
	prefix := strings.TrimSuffix(p.cfg.TopicPrefix, "/")
	if prefix == "" {
		return p.camera + "/" + suffix
	}
	return prefix + "/" + p.camera + "/" + suffix
}

// Start connects to the broker. Subscriptions are renewed on every
// (re)connect.
func (p *Plane) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = "shmcam"
	}
	opts.SetClientID(clientID + "-" + p.camera)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		log.Info("Connected to MQTT broker %s", p.cfg.Broker)
		token := c.Subscribe(p.SetTopic(), p.cfg.QoS, p.handleMessage)
		if !token.WaitTimeout(5 * time.Second) {
			log.Error("Subscription to %s timed out", p.SetTopic())
			return
		}
		if err := token.Error(); err != nil {
			log.Error("Subscription to %s failed: %v", p.SetTopic(), err)
			return
		}
		if err := p.PublishState(); err != nil {
			log.Warn("Publishing state: %v", err)
		}
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		log.Warn("MQTT connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		// SetConnectRetry keeps trying in the background.
		log.Warn("MQTT broker %s not reachable yet, retrying in background", p.cfg.Broker)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", p.cfg.Broker, err)
	}
	return nil
}

// Stop unsubscribes and disconnects.
func (p *Plane) Stop() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client == nil {
		return
	}
	if client.IsConnected() {
		client.Unsubscribe(p.SetTopic()).WaitTimeout(2 * time.Second)
	}
	client.Disconnect(250)
	log.Info("Control plane stopped")
}

// handleMessage applies one flag update.
func (p *Plane) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	name := msg.Topic()[strings.LastIndexByte(msg.Topic(), '/')+1:]
	flag, err := region.ParseFlag(name)
	if err != nil {
		log.Warn("Ignoring %s: %v", msg.Topic(), err)
		return
	}
	on, err := ParsePayload(msg.Payload())
	if err != nil {
		log.Warn("Ignoring %s: %v", msg.Topic(), err)
		return
	}
	if flag == region.Exit && !on && p.store.Flag(region.Exit) {
		log.Warn("Exit is latched, ignoring %s=false", msg.Topic())
		return
	}
	if err := p.store.SetFlag(flag, on); err != nil {
		log.Error("Setting %s: %v", flag, err)
		return
	}
	log.Info("Flag %s set to %t via MQTT", flag, on)
	if err := p.PublishState(); err != nil {
		log.Warn("Publishing state: %v", err)
	}
}

// StatePayload renders the current flag table.
func (p *Plane) StatePayload() ([]byte, error) {
	st := State{
		Camera:    p.camera,
		Flags:     p.store.FlagState(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if p.attached != nil {
		st.Attached = p.attached()
	}
	return json.Marshal(st)
}

// PublishState publishes the retained state message. It is a no-op while
// disconnected.
func (p *Plane) PublishState() error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return nil
	}

	payload, err := p.StatePayload()
	if err != nil {
		return err
	}
	token := client.Publish(p.StateTopic(), p.cfg.QoS, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish to %s timed out", p.StateTopic())
	}
	return token.Error()
}

// ParsePayload accepts true/false, on/off and 1/0, case-insensitively.
func ParsePayload(b []byte) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "true", "on", "1":
		return true, nil
	case "false", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid flag payload %q", b)
}

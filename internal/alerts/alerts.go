// Package alerts publishes crowd alerts to an MQTT broker when a warning
// category switches on.
package alerts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/crowdwatch/internal/crowd"
	"github.com/banshee-data/crowdwatch/internal/monitoring"
)

var logf = monitoring.Component("alerts")

// Alert categories.
const (
	CategorySocialDistance = "social_distance"
	CategoryRestricted     = "restricted_entry"
	CategoryAbnormal       = "abnormal_activity"
)

// Alert is the JSON payload of one notification.
type Alert struct {
	JobID          string    `json:"job_id"`
	Frame          int       `json:"frame"`
	Time           time.Time `json:"time"`
	Category       string    `json:"category"`
	HumanCount     int       `json:"human_count"`
	ViolationCount int       `json:"violation_count"`
}

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Notifier turns frame results into alerts on each rising edge of a
// category's raw trigger. It implements pipeline.FrameObserver and keeps
// per-job state, so one Notifier serves every job.
type Notifier struct {
	pub    Publisher
	prefix string

	mu   sync.Mutex
	last map[string]crowd.Triggers
}

// NewNotifier publishes to "<prefix>/<job_id>/alerts".
func NewNotifier(pub Publisher, prefix string) *Notifier {
	return &Notifier{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "/"),
		last:   make(map[string]crowd.Triggers),
	}
}

// Topic returns the alert topic for a job.
func (n *Notifier) Topic(jobID string) string {
	return fmt.Sprintf("%s/%s/alerts", n.prefix, jobID)
}

// ObserveFrame publishes one alert per category that was off on the
// previous frame of the job and is on now. Publish failures are logged.
func (n *Notifier) ObserveFrame(jobID string, res crowd.FrameResult) {
	n.mu.Lock()
	prev := n.last[jobID]
	n.last[jobID] = res.Triggers
	n.mu.Unlock()

	cur := res.Triggers
	for _, edge := range []struct {
		category string
		was, is  bool
	}{
		{CategorySocialDistance, prev.SocialDistance, cur.SocialDistance},
		{CategoryRestricted, prev.Restricted, cur.Restricted},
		{CategoryAbnormal, prev.Abnormal, cur.Abnormal},
	} {
		if edge.was || !edge.is {
			continue
		}
		a := Alert{
			JobID:          jobID,
			Frame:          res.Index,
			Time:           res.Event.Timestamp,
			Category:       edge.category,
			HumanCount:     res.Event.HumanCount,
			ViolationCount: res.Event.ViolationCount,
		}
		if err := n.publish(a); err != nil {
			logf("job %s frame %d %s: %v", jobID, res.Index, edge.category, err)
		}
	}
}

// FinishJob forgets the job's trigger state.
func (n *Notifier) FinishJob(jobID string) {
	n.mu.Lock()
	delete(n.last, jobID)
	n.mu.Unlock()
}

func (n *Notifier) publish(a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return n.pub.Publish(n.Topic(a.JobID), payload)
}

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	// Broker is a URL such as tcp://localhost:1883.
	Broker   string
	ClientID string
	Username string
	Password string
	// Timeout bounds connect and publish. Default 5s.
	Timeout time.Duration
}

// MQTTPublisher publishes at QoS 0 over a persistent, auto-reconnecting
// connection.
type MQTTPublisher struct {
	client  mqtt.Client
	timeout time.Duration
}

var errTimeout = errors.New("mqtt operation timed out")

// DialMQTT connects to the broker.
func DialMQTT(cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "crowdwatch"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout)
	if cfg.Username != "" && cfg.Password != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, errTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}
	logf("connected to %s", cfg.Broker)
	return &MQTTPublisher{client: client, timeout: cfg.Timeout}, nil
}

// Publish sends payload to topic.
func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return errTimeout
	}
	return token.Error()
}

// Close disconnects, allowing 250ms for in-flight work.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

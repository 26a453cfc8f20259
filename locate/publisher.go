package locate

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// FixMessage is the published summary of one estimation run.
type FixMessage struct {
	RunID            string  `json:"runId"`
	Survey           string  `json:"survey"`
	Easting          float64 `json:"easting"`
	Northing         float64 `json:"northing"`
	NegLogLikelihood float64 `json:"negLogLikelihood"`
	Converged        bool    `json:"converged"`
	Status           string  `json:"status"`
	Observations     int     `json:"observations"`
	Timestamp        int64   `json:"timestamp"`
}

// NewFixMessage summarizes a report.
func NewFixMessage(r *Report) *FixMessage {
	return &FixMessage{
		RunID:            r.RunID,
		Survey:           r.Survey,
		Easting:          r.Reference[0],
		Northing:         r.Reference[1],
		NegLogLikelihood: r.NegLogLikelihood,
		Converged:        r.Converged,
		Status:           r.Status,
		Observations:     len(r.Pairings),
		Timestamp:        r.CreatedAt,
	}
}

// Publisher publishes estimated reference points to MQTT.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	fixes         map[string]*FixMessage // survey -> latest
	mu            sync.RWMutex
}

// NewPublisher creates a publisher. MQTT_PUBLISH_PREFIX overrides prefix;
// an empty prefix falls back to "treefix". A nil client disables publishing.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "treefix"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true, // late subscribers get the latest fix
		fixes:         make(map[string]*FixMessage),
	}
}

// PublishReport publishes a run to <prefix>/<survey> and the latest run of
// every survey to <prefix>/reports.
func (p *Publisher) PublishReport(r *Report) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	fix := NewFixMessage(r)

	p.mu.Lock()
	p.fixes[fix.Survey] = fix
	p.mu.Unlock()

	if err := p.publishIndividual(fix); err != nil {
		log.Printf("[MQTT] Error publishing fix for %s: %v", fix.Survey, err)
		return err
	}

	if err := p.publishCombined(); err != nil {
		log.Printf("[MQTT] Error publishing combined fixes: %v", err)
		return err
	}

	return nil
}

func (p *Publisher) publishIndividual(fix *FixMessage) error {
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, fix.Survey)

	payload, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("marshaling fix: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("[MQTT] Published fix for %s: (%.2f, %.2f) -logL=%.3f",
		fix.Survey, fix.Easting, fix.Northing, fix.NegLogLikelihood)
	return nil
}

func (p *Publisher) publishCombined() error {
	fixes := p.Fixes()
	if len(fixes) == 0 {
		return nil
	}

	topic := fmt.Sprintf("%s/reports", p.publishPrefix)

	message := map[string]interface{}{
		"surveys":   fixes,
		"timestamp": time.Now().Unix(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined fixes: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	return nil
}

// Fix returns the last published fix for a survey.
func (p *Publisher) Fix(survey string) (*FixMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fix, ok := p.fixes[survey]
	if !ok {
		return nil, false
	}
	c := *fix
	return &c, true
}

// Fixes returns copies of all known fixes, sorted by survey.
func (p *Publisher) Fixes() []*FixMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*FixMessage, 0, len(p.fixes))
	for _, fix := range p.fixes {
		c := *fix
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Survey < out[j].Survey })
	return out
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

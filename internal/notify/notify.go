// Package notify publishes pipeline progress and gap anomalies to NATS.
package notify

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ais_pipeline/internal/gaps"
)

// Config holds NATS settings. An empty URL disables publishing.
type Config struct {
	URL     string
	Subject string
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{Subject: "ais.pipeline", Timeout: 5 * time.Second}
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Stage outcomes.
const (
	StageStarted  = "started"
	StageFinished = "finished"
	StageFailed   = "failed"
)

// StageEvent is published on <subject>.stage.<stage>.
type StageEvent struct {
	RunID   uuid.UUID      `json:"run_id"`
	Stage   string         `json:"stage"`
	Status  string         `json:"status"`
	At      time.Time      `json:"at"`
	Elapsed string         `json:"elapsed,omitempty"`
	Error   string         `json:"error,omitempty"`
	Counts  map[string]int `json:"counts,omitempty"`
}

// AnomalyEvent is published on <subject>.anomaly.
type AnomalyEvent struct {
	RunID    uuid.UUID `json:"run_id"`
	MMSI     int64     `json:"mmsi"`
	Index    int       `json:"index"`
	GapMS    float64   `json:"gap_ms"`
	Previous time.Time `json:"previous"`
	Current  time.Time `json:"current"`
}

// Notifier publishes events under one subject prefix. A nil *Notifier
// publishes nothing.
type Notifier struct {
	pub     Publisher
	subject string
	conn    *nats.Conn
}

// Connect dials NATS. It returns a nil Notifier when cfg.URL is empty.
func Connect(cfg Config) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("ais_pipeline"), nats.Timeout(cfg.Timeout))
	if err != nil {
		return nil, errors.Wrapf(err, "connect to nats at %s", cfg.URL)
	}
	n := New(conn, cfg.Subject)
	n.conn = conn
	return n, nil
}

// New wraps an existing publisher.
func New(pub Publisher, subject string) *Notifier {
	if subject == "" {
		subject = DefaultConfig().Subject
	}
	return &Notifier{pub: pub, subject: strings.TrimSuffix(subject, ".")}
}

// Close flushes and closes the NATS connection, if this Notifier owns one.
func (n *Notifier) Close() {
	if n == nil || n.conn == nil {
		return
	}
	if err := n.conn.Flush(); err != nil {
		log.WithError(err).Warn("Flushing NATS connection failed")
	}
	n.conn.Close()
}

func (n *Notifier) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	return errors.Wrapf(n.pub.Publish(subject, data), "publish to %s", subject)
}

// Stage publishes a stage transition.
func (n *Notifier) Stage(ev StageEvent) error {
	if n == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return n.publish(n.subject+".stage."+ev.Stage, ev)
}

// Anomalies publishes one event per negative gap and returns every publish
// failure.
func (n *Notifier) Anomalies(runID uuid.UUID, anomalies []gaps.Anomaly) error {
	if n == nil {
		return nil
	}
	var result *multierror.Error
	for _, a := range anomalies {
		err := n.publish(n.subject+".anomaly", AnomalyEvent{
			RunID:    runID,
			MMSI:     a.MMSI,
			Index:    a.Index,
			GapMS:    a.Gap,
			Previous: a.Previous,
			Current:  a.Current,
		})
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

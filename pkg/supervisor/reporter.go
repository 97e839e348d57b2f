package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/common"
)

// Reporter receives chunk lifecycle events from the Supervisor
type Reporter interface {
	ChunkEvent(ctx context.Context, ev ChunkEvent) error
	RunFinished(ctx context.Context, summary RunSummary) error
	Close() error
}

// LogReporter only logs; it is used when NATS is not configured
type LogReporter struct {
	log logrus.FieldLogger
}

func NewLogReporter(log logrus.FieldLogger) *LogReporter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogReporter{log: log}
}

func (r *LogReporter) ChunkEvent(_ context.Context, ev ChunkEvent) error {
	r.log.WithFields(logrus.Fields{
		"chunk":  ev.Chunk.ID,
		"start":  ev.Chunk.StartBlock,
		"end":    ev.Chunk.EndBlock,
		"status": ev.Chunk.Status,
	}).Debugf("chunk %s", ev.Event)
	return nil
}

func (r *LogReporter) RunFinished(_ context.Context, s RunSummary) error {
	r.log.WithField("run_id", s.RunID).Infof("📦 Run finished: %d done, %d skipped, %d failed of %d chunks",
		s.Completed, s.Skipped, s.Failed, s.Total)
	return nil
}

func (r *LogReporter) Close() error { return nil }

// NATSConfig configures the JetStream event stream and the KV status bucket
type NATSConfig struct {
	URL     string
	Stream  string
	Subject string // events go to <Subject>.<event>
	Bucket  string
}

// DefaultNATSConfig returns the stream, subject and bucket names used when
// only a URL is configured
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:     nats.DefaultURL,
		Stream:  "FOCIL_CHUNKS",
		Subject: "focil.chunks",
		Bucket:  "focil_chunk_status",
	}
}

// publisher is the subset of nats.JetStreamContext used for events
type publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSReporter publishes chunk events on JetStream and keeps the latest
// status of every chunk in a KV bucket under <run_id>.chunk.<id>
type NATSReporter struct {
	conn    *nats.Conn
	js      publisher
	kv      nats.KeyValue
	subject string
	log     logrus.FieldLogger

	kvMutex sync.Mutex
}

// NewNATSReporter connects to NATS and creates the stream and bucket when
// they do not exist
func NewNATSReporter(cfg NATSConfig, log logrus.FieldLogger) (*NATSReporter, error) {
	defaults := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}
	if cfg.Stream == "" {
		cfg.Stream = defaults.Stream
	}
	if cfg.Subject == "" {
		cfg.Subject = defaults.Subject
	}
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}

	conn, err := nats.Connect(cfg.URL, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	r, err := NewNATSReporterFromJetStream(js, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r.conn = conn
	return r, nil
}

// NewNATSReporterFromJetStream reuses an existing JetStream context
func NewNATSReporterFromJetStream(js nats.JetStreamContext, cfg NATSConfig, log logrus.FieldLogger) (*NATSReporter, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		log.Infof("Creating stream %s for subject %s.>", cfg.Stream, cfg.Subject)
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.Subject + ".>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			MaxAge:    7 * 24 * time.Hour,
			Replicas:  1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
	}

	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "Latest status of every analysis chunk",
			History:     5,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open status bucket %s: %w", cfg.Bucket, err)
	}

	return &NATSReporter{js: js, kv: kv, subject: cfg.Subject, log: log}, nil
}

// ChunkEvent records the chunk status in KV, then publishes the event
func (r *NATSReporter) ChunkEvent(_ context.Context, ev ChunkEvent) error {
	if err := r.putStatus(ev.RunID, ev.Chunk); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk event: %w", err)
	}
	if _, err := r.js.Publish(r.subject+"."+ev.Event, data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	return nil
}

// RunFinished publishes the summary on <subject>.run
func (r *NATSReporter) RunFinished(_ context.Context, s RunSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	if _, err := r.js.Publish(r.subject+".run", data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	return nil
}

func (r *NATSReporter) putStatus(runID string, c common.ChunkRecord) error {
	r.kvMutex.Lock()
	defer r.kvMutex.Unlock()

	c.RunID = runID
	c.LastStatusUpdate = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk status: %w", err)
	}
	if _, err := r.kv.Put(statusKey(runID, c), data); err != nil {
		return fmt.Errorf("failed to put chunk %d status in KV: %w", c.ID, err)
	}
	return nil
}

// Statuses returns the stored status of every chunk of a run ordered by id
func (r *NATSReporter) Statuses(runID string) ([]common.ChunkRecord, error) {
	return ReadStatuses(r.kv, runID)
}

// ReadStatuses reads the chunk statuses of a run from a KV bucket
func ReadStatuses(kv nats.KeyValue, runID string) ([]common.ChunkRecord, error) {
	keys, err := kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list status keys: %w", err)
	}

	var out []common.ChunkRecord
	for _, key := range keys {
		if !strings.HasPrefix(key, runID+".") {
			continue
		}
		entry, err := kv.Get(key)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s: %w", key, err)
		}
		var c common.ChunkRecord
		if err := json.Unmarshal(entry.Value(), &c); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", key, err)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Purge deletes the status entries of runID, or of every run when runID is
// empty, and returns how many keys were removed
func (r *NATSReporter) Purge(runID string) (int, error) {
	return PurgeStatuses(r.kv, runID)
}

// PurgeStatuses deletes chunk status keys from a KV bucket
func PurgeStatuses(kv nats.KeyValue, runID string) (int, error) {
	keys, err := kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list status keys: %w", err)
	}

	deleted := 0
	var failed []string
	for _, key := range keys {
		if runID != "" && !strings.HasPrefix(key, runID+".") {
			continue
		}
		if err := kv.Delete(key); err != nil {
			failed = append(failed, key)
			continue
		}
		deleted++
	}
	if len(failed) > 0 {
		return deleted, fmt.Errorf("failed to delete %d keys: %s", len(failed), strings.Join(failed, ", "))
	}
	return deleted, nil
}

func (r *NATSReporter) Close() error {
	if r.conn != nil {
		r.conn.Close()
	}
	return nil
}

func statusKey(runID string, c common.ChunkRecord) string {
	return runID + "." + c.Key()
}

package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/common"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/focil"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/testutils"
)

func TestMain(m *testing.M) {
	code := m.Run()
	testutils.CleanupTestEnvironment()
	os.Exit(code)
}

// mockKeyValueStore implements the parts of nats.KeyValue the reporter uses
type mockKeyValueStore struct {
	nats.KeyValue

	mu   sync.Mutex
	data map[string][]byte
}

func newMockKeyValueStore() *mockKeyValueStore {
	return &mockKeyValueStore{data: map[string][]byte{}}
}

type mockKeyValueEntry struct {
	nats.KeyValueEntry
	key   string
	value []byte
}

func (e *mockKeyValueEntry) Key() string   { return e.key }
func (e *mockKeyValueEntry) Value() []byte { return e.value }

func (m *mockKeyValueStore) Put(key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return uint64(len(m.data)), nil
}

func (m *mockKeyValueStore) Get(key string) (nats.KeyValueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nats.ErrKeyNotFound
	}
	return &mockKeyValueEntry{key: key, value: v}, nil
}

func (m *mockKeyValueStore) Keys(_ ...nats.WatchOpt) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.data) == 0 {
		return nil, nats.ErrNoKeysFound
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *mockKeyValueStore) Delete(key string, _ ...nats.DeleteOpt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return nats.ErrKeyNotFound
	}
	delete(m.data, key)
	return nil
}

// mockPublisher records published messages
type mockPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *mockPublisher) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subj)
	p.payloads = append(p.payloads, data)
	return &nats.PubAck{}, nil
}

func TestNATSReporterWithMocks(t *testing.T) {
	logger, _ := test.NewNullLogger()
	kv := newMockKeyValueStore()
	pub := &mockPublisher{}
	r := &NATSReporter{js: pub, kv: kv, subject: "focil.chunks", log: logger}

	chunk := common.ChunkRecord{ID: 3, StartBlock: 130, EndBlock: 140, Status: common.ChunkStatusRunning}
	require.NoError(t, r.ChunkEvent(context.Background(), ChunkEvent{RunID: "run-1", Event: EventStarted, Chunk: chunk}))

	chunk.Status = common.ChunkStatusDone
	chunk.Rows = 10
	require.NoError(t, r.ChunkEvent(context.Background(), ChunkEvent{RunID: "run-1", Event: EventCompleted, Chunk: chunk}))
	require.NoError(t, r.ChunkEvent(context.Background(), ChunkEvent{RunID: "run-2", Event: EventStarted, Chunk: chunk}))
	require.NoError(t, r.RunFinished(context.Background(), RunSummary{RunID: "run-1", Total: 1, Completed: 1}))

	assert.Equal(t, []string{"focil.chunks.started", "focil.chunks.completed", "focil.chunks.started", "focil.chunks.run"}, pub.subjects)

	var ev ChunkEvent
	require.NoError(t, json.Unmarshal(pub.payloads[1], &ev))
	assert.Equal(t, EventCompleted, ev.Event)
	assert.Equal(t, 10, ev.Chunk.Rows)

	statuses, err := r.Statuses("run-1")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, common.ChunkStatusDone, statuses[0].Status)
	assert.Equal(t, "run-1", statuses[0].RunID)
	assert.NotEmpty(t, statuses[0].LastStatusUpdate)
	assert.Contains(t, kv.data, "run-1.chunk.0003")
}

func TestReadStatusesEmptyBucket(t *testing.T) {
	statuses, err := ReadStatuses(newMockKeyValueStore(), "run")
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestPurgeStatuses(t *testing.T) {
	kv := newMockKeyValueStore()
	for _, key := range []string{"run-1.chunk.0000", "run-1.chunk.0001", "run-2.chunk.0000"} {
		_, err := kv.Put(key, []byte("{}"))
		require.NoError(t, err)
	}

	n, err := PurgeStatuses(kv, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Contains(t, kv.data, "run-2.chunk.0000")

	n, err = PurgeStatuses(kv, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = PurgeStatuses(kv, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNATSReporterIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping NATS integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	nc, js, err := testutils.GetJetStream(ctx)
	require.NoError(t, err)

	cfg := NATSConfig{Stream: "FOCIL_TEST", Subject: "focil.test", Bucket: "focil_test_status"}
	logger, _ := test.NewNullLogger()
	reporter, err := NewNATSReporterFromJetStream(js, cfg, logger)
	require.NoError(t, err)

	sub, err := nc.SubscribeSync("focil.test.>")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	analyze := func(_ context.Context, start, end uint64) ([]focil.Row, error) {
		return rowsFor(start, end), nil
	}
	s := NewSupervisor(Config{Workers: 2}, analyze, newMemoryStore(), reporter, logger)
	summary, err := s.Run(ctx, plan(t, 0, 20, 10))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Completed)

	// two chunks with started and completed each, then the run summary
	subjects := map[string]int{}
	for i := 0; i < 5; i++ {
		msg, err := sub.NextMsg(5 * time.Second)
		require.NoError(t, err)
		subjects[msg.Subject]++
	}
	assert.Equal(t, map[string]int{"focil.test.started": 2, "focil.test.completed": 2, "focil.test.run": 1}, subjects)

	statuses, err := reporter.Statuses(s.RunID())
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	for _, c := range statuses {
		assert.Equal(t, common.ChunkStatusDone, c.Status)
		assert.Equal(t, 10, c.Rows)
	}

	// reopening finds the existing stream and bucket
	reopened, err := NewNATSReporterFromJetStream(js, cfg, logger)
	require.NoError(t, err)
	n, err := reopened.Purge(s.RunID())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStatusesOnJetStreamBucket(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping NATS integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	_, js, err := testutils.GetJetStream(ctx)
	require.NoError(t, err)
	kv, err := testutils.GetTestKeyValueStore(js, t.Name())
	require.NoError(t, err)

	for _, c := range []common.ChunkRecord{
		{ID: 1, StartBlock: 10, EndBlock: 20, Status: common.ChunkStatusFailed, LastError: "boom"},
		{ID: 0, StartBlock: 0, EndBlock: 10, Status: common.ChunkStatusDone},
	} {
		data, err := json.Marshal(c)
		require.NoError(t, err)
		_, err = kv.Put(statusKey("run-a", c), data)
		require.NoError(t, err)
	}

	statuses, err := ReadStatuses(kv, "run-a")
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, 0, statuses[0].ID)
	assert.Equal(t, "boom", statuses[1].LastError)

	n, err := PurgeStatuses(kv, "run-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	statuses, err = ReadStatuses(kv, "run-a")
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

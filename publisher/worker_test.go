package publisher

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/beaver/wal"
)

type capturedMessage struct {
	Topic string
	Key   string
	Value string
}

// captureSink records publishes and can fail a configurable number of
// times before succeeding.
type captureSink struct {
	mu        sync.Mutex
	messages  []capturedMessage
	failTimes int
	attempts  int
}

func (s *captureSink) Publish(topic, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failTimes > 0 {
		s.failTimes--
		return errors.New("sink unavailable")
	}
	s.messages = append(s.messages, capturedMessage{Topic: topic, Key: key, Value: string(value)})
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) snapshot() []capturedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedMessage(nil), s.messages...)
}

// kindTransformer renders every change as its kind name and records the
// schema it was handed.
type kindTransformer struct {
	mu          sync.Mutex
	lastSchema  *wal.RelationSchema
	skipMarkers bool
}

func (tr *kindTransformer) Transform(change *wal.Change, schema *wal.RelationSchema) ([]byte, error) {
	tr.mu.Lock()
	tr.lastSchema = schema
	tr.mu.Unlock()
	if tr.skipMarkers && change.Kind.Transactional() {
		return nil, nil
	}
	return []byte(change.Kind.String()), nil
}

func newTestWorker(t *testing.T, pl *PublishLog, snk Sink, tr Transformer, filter Filter) *Worker {
	t.Helper()
	if filter == nil {
		var err error
		filter, err = NewGlobFilter(nil, nil)
		require.NoError(t, err)
	}
	w, err := NewWorker(WorkerConfig{
		Name:         "test",
		Log:          pl,
		Sink:         snk,
		Transformer:  tr,
		Filter:       filter,
		TopicPrefix:  "beaver",
		PollInterval: 5 * time.Millisecond,
		RetryInitial: time.Millisecond,
	})
	require.NoError(t, err)
	return w
}

func TestWorkerDeliversInOrder(t *testing.T) {
	pl := newTestLog(t)
	snk := &captureSink{}
	w := newTestWorker(t, pl, snk, &kindTransformer{}, nil)

	require.NoError(t, pl.Append([]*wal.Change{
		testChange("users", 1),
		testChange("users", 2),
		testChange("users", 3),
	}))

	w.Start()
	defer w.Stop()

	assert.Eventually(t, func() bool {
		return len(snk.snapshot()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	for _, msg := range snk.snapshot() {
		assert.Equal(t, "beaver.public.users.insert", msg.Topic)
	}

	cursor, err := pl.GetCursor("test")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cursor)
}

func TestWorkerFiltersTables(t *testing.T) {
	pl := newTestLog(t)
	snk := &captureSink{}
	filter, err := NewGlobFilter([]string{"users"}, nil)
	require.NoError(t, err)
	w := newTestWorker(t, pl, snk, &kindTransformer{}, filter)

	orders := testChange("orders", 1)
	require.NoError(t, pl.Append([]*wal.Change{orders, testChange("users", 2)}))

	require.NoError(t, w.processEvent(Event{Seq: 1, Change: orders}))
	require.NoError(t, w.processEvent(Event{Seq: 2, Change: testChange("users", 2)}))

	messages := snk.snapshot()
	require.Len(t, messages, 1)
	assert.Equal(t, "beaver.public.users.insert", messages[0].Topic)

	// Filtered events still advance the cursor.
	cursor, err := pl.GetCursor("test")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cursor)
}

func TestWorkerTransactionMarkersBypassFilter(t *testing.T) {
	pl := newTestLog(t)
	snk := &captureSink{}
	filter, err := NewGlobFilter([]string{"no_such_table"}, nil)
	require.NoError(t, err)
	w := newTestWorker(t, pl, snk, &kindTransformer{}, filter)

	begin := &wal.Change{Kind: wal.ChangeBegin, LSN: wal.LSN(100), XID: 7}
	commit := &wal.Change{Kind: wal.ChangeCommit, LSN: wal.LSN(200)}
	require.NoError(t, pl.Append([]*wal.Change{begin, commit}))

	require.NoError(t, w.processEvent(Event{Seq: 1, Change: begin}))
	require.NoError(t, w.processEvent(Event{Seq: 2, Change: commit}))

	messages := snk.snapshot()
	require.Len(t, messages, 2)
	assert.Equal(t, "beaver.transactions.begin.event", messages[0].Topic)
	assert.Equal(t, "beaver.transactions.commit.event", messages[1].Topic)
	assert.Equal(t, wal.LSN(100).String(), messages[0].Key)
}

func TestWorkerSkipsNilPayloads(t *testing.T) {
	pl := newTestLog(t)
	snk := &captureSink{}
	w := newTestWorker(t, pl, snk, &kindTransformer{skipMarkers: true}, nil)

	begin := &wal.Change{Kind: wal.ChangeBegin, LSN: wal.LSN(100)}
	require.NoError(t, pl.Append([]*wal.Change{begin}))
	require.NoError(t, w.processEvent(Event{Seq: 1, Change: begin}))

	assert.Empty(t, snk.snapshot())
	cursor, err := pl.GetCursor("test")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cursor)
}

func TestWorkerRetriesUntilSuccess(t *testing.T) {
	pl := newTestLog(t)
	snk := &captureSink{failTimes: 2}
	w := newTestWorker(t, pl, snk, &kindTransformer{}, nil)

	require.NoError(t, pl.Append([]*wal.Change{testChange("users", 1)}))
	require.NoError(t, w.processEvent(Event{Seq: 1, Change: testChange("users", 1)}))

	assert.Len(t, snk.snapshot(), 1)
	assert.Equal(t, 3, snk.attempts)
}

func TestWorkerResumesFromPersistedCursor(t *testing.T) {
	pl := newTestLog(t)
	for i := 1; i <= 3; i++ {
		require.NoError(t, pl.Append([]*wal.Change{testChange("users", i)}))
	}
	require.NoError(t, pl.AdvanceCursor("test", 2))

	snk := &captureSink{}
	w := newTestWorker(t, pl, snk, &kindTransformer{}, nil)
	w.Start()
	defer w.Stop()

	assert.Eventually(t, func() bool {
		return len(snk.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerLearnsSchemaFromLoggedRelations(t *testing.T) {
	pl := newTestLog(t)
	snk := &captureSink{}
	tr := &kindTransformer{}
	w := newTestWorker(t, pl, snk, tr, nil)

	relation := &wal.Change{
		Kind:       wal.ChangeRelation,
		RelationID: 16384,
		Schema:     "public",
		Table:      "users",
		Columns: []wal.ColumnInfo{
			{Name: "id", TypeID: 23, Flags: 1},
			{Name: "name", TypeID: 25},
		},
	}
	require.NoError(t, pl.Append([]*wal.Change{relation, testChange("users", 2)}))

	require.NoError(t, w.processEvent(Event{Seq: 1, Change: relation}))
	require.NoError(t, w.processEvent(Event{Seq: 2, Change: testChange("users", 2)}))

	require.NotNil(t, tr.lastSchema)
	assert.Equal(t, "users", tr.lastSchema.Table)
	require.Len(t, tr.lastSchema.Columns, 2)
	assert.True(t, tr.lastSchema.Columns[0].IsKey())

	// Data changes key on the identity columns.
	messages := snk.snapshot()
	require.Len(t, messages, 2)
	assert.Equal(t, `{"id":"2"}`, messages[1].Key)
}

func TestEventKeyWithoutSchemaUsesWholeTuple(t *testing.T) {
	change := testChange("users", 9)
	assert.Equal(t, `{"id":"9"}`, eventKey(change, nil))
}

func TestEventKeyDeleteUsesOldTuple(t *testing.T) {
	val := "42"
	change := &wal.Change{
		Kind: wal.ChangeDelete,
		LSN:  wal.LSN(5),
		Old: &wal.Tuple{Columns: []wal.TupleColumn{
			{Name: "id", Value: &val},
		}},
	}
	assert.Equal(t, `{"id":"42"}`, eventKey(change, nil))
}

func TestNewWorkerValidation(t *testing.T) {
	pl := newTestLog(t)
	filter, err := NewGlobFilter(nil, nil)
	require.NoError(t, err)

	_, err = NewWorker(WorkerConfig{Log: pl, Sink: &captureSink{}, Transformer: &kindTransformer{}, Filter: filter})
	assert.Error(t, err)

	_, err = NewWorker(WorkerConfig{Name: "x", Sink: &captureSink{}, Transformer: &kindTransformer{}, Filter: filter})
	assert.Error(t, err)
}

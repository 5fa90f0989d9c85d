package broker

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const defaultMemoryPartitions = 4

// Memory is an in-process partitioned log with consumer-group offsets. It is
// meant for local development and tests; nothing is persisted.
type Memory struct {
	mu         sync.Mutex
	partitions int
	topics     map[string]*memoryTopic
	groups     map[SubscriptionKey]*memoryGroup
	writeErrs  map[string]error
	notify     chan struct{}
}

type memoryTopic struct {
	partitions [][]Message
}

type memoryGroup struct {
	next      []int64
	committed []int64
	readers   int
}

func NewMemory(partitions int) *Memory {
	if partitions <= 0 {
		partitions = defaultMemoryPartitions
	}
	return &Memory{
		partitions: partitions,
		topics:     make(map[string]*memoryTopic),
		groups:     make(map[SubscriptionKey]*memoryGroup),
		writeErrs:  make(map[string]error),
		notify:     make(chan struct{}),
	}
}

func (m *Memory) Name() string {
	return "memory"
}

func (m *Memory) Connect(ctx context.Context) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryWriter{log: m}, nil
}

func (m *Memory) NewReader(ctx context.Context, cfg ReaderConfig) (Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	key := SubscriptionKey{Topic: cfg.Topic, GroupID: cfg.GroupID}
	topic := m.topicLocked(cfg.Topic)
	group, ok := m.groups[key]
	if !ok {
		group = &memoryGroup{
			next:      make([]int64, m.partitions),
			committed: make([]int64, m.partitions),
		}
		if !cfg.FromBeginning {
			for p := range topic.partitions {
				group.committed[p] = int64(len(topic.partitions[p]))
			}
		}
		m.groups[key] = group
	}
	if group.readers == 0 {
		copy(group.next, group.committed)
	}
	group.readers++
	m.mu.Unlock()

	cfg.emit(LifecycleConnect, nil)
	cfg.emit(LifecycleGroupJoin, nil)

	return &memoryReader{log: m, cfg: cfg, key: key, closed: make(chan struct{})}, nil
}

// FailWrites makes every write to topic fail with err until cleared with a
// nil err.
func (m *Memory) FailWrites(topic string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.writeErrs, topic)
		return
	}
	m.writeErrs[topic] = err
}

// Messages returns a copy of every message on topic, partition by partition.
func (m *Memory) Messages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return nil
	}
	var out []Message
	for _, p := range t.partitions {
		out = append(out, p...)
	}
	return out
}

// Committed returns the next offset to consume per partition for a group.
func (m *Memory) Committed(topic, groupID string) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[SubscriptionKey{Topic: topic, GroupID: groupID}]
	if !ok {
		return nil
	}
	out := make([]int64, len(g.committed))
	copy(out, g.committed)
	return out
}

func (m *Memory) PartitionFor(key []byte) int {
	if len(key) == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(m.partitions))
}

func (m *Memory) topicLocked(name string) *memoryTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memoryTopic{partitions: make([][]Message, m.partitions)}
		m.topics[name] = t
	}
	return t
}

func (m *Memory) append(msgs []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range msgs {
		if err := m.writeErrs[msg.Topic]; err != nil {
			return err
		}
	}

	now := time.Now()
	for _, msg := range msgs {
		t := m.topicLocked(msg.Topic)
		p := m.PartitionFor(msg.Key)
		msg.Partition = p
		msg.Offset = int64(len(t.partitions[p]))
		if msg.Time.IsZero() {
			msg.Time = now
		}
		t.partitions[p] = append(t.partitions[p], msg)
	}

	close(m.notify)
	m.notify = make(chan struct{})
	return nil
}

// next returns the next unread message for the group, or ok=false with a
// channel that is closed on the next write.
func (m *Memory) next(key SubscriptionKey) (Message, bool, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topicLocked(key.Topic)
	g := m.groups[key]
	for p := range t.partitions {
		if g.next[p] < int64(len(t.partitions[p])) {
			msg := t.partitions[p][g.next[p]]
			g.next[p]++
			return msg, true, nil
		}
	}
	return Message{}, false, m.notify
}

func (m *Memory) commit(key SubscriptionKey, msgs []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.groups[key]
	for _, msg := range msgs {
		if msg.Offset+1 > g.committed[msg.Partition] {
			g.committed[msg.Partition] = msg.Offset + 1
		}
	}
}

func (m *Memory) release(key SubscriptionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[key]; ok && g.readers > 0 {
		g.readers--
	}
}

type memoryWriter struct {
	log *Memory
}

func (w *memoryWriter) WriteMessages(ctx context.Context, msgs ...Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.log.append(msgs)
}

func (w *memoryWriter) Close() error {
	return nil
}

type memoryReader struct {
	log       *Memory
	cfg       ReaderConfig
	key       SubscriptionKey
	closed    chan struct{}
	closeOnce sync.Once
}

func (r *memoryReader) FetchMessage(ctx context.Context) (Message, error) {
	for {
		select {
		case <-r.closed:
			return Message{}, ErrReaderClosed
		default:
		}

		msg, ok, wait := r.log.next(r.key)
		if ok {
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-r.closed:
			return Message{}, ErrReaderClosed
		case <-wait:
		}
	}
}

func (r *memoryReader) CommitMessages(ctx context.Context, msgs ...Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.log.commit(r.key, msgs)
	return nil
}

func (r *memoryReader) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.log.release(r.key)
		r.cfg.emit(LifecycleDisconnect, nil)
	})
	return nil
}

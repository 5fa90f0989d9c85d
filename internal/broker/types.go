package broker

import (
	"context"
	"errors"
	"time"

	"blogmesh/pkg/models"
)

var (
	// ErrNotConnected is returned by Publish and Subscribe before the
	// producer connected or after Shutdown.
	ErrNotConnected = errors.New("event bus not connected")
	// ErrReaderClosed is returned by Reader.FetchMessage once the reader is closed.
	ErrReaderClosed = errors.New("reader closed")
)

// Message is one record as seen by a transport.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []models.Header
	Time      time.Time

	// raw is the transport's own representation, kept for commits.
	raw interface{}
}

// Writer sends messages. A single WriteMessages call is one transport request
// where the transport supports it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...Message) error
	Close() error
}

// Reader is a consumer-group member for one topic.
type Reader interface {
	FetchMessage(ctx context.Context) (Message, error)
	CommitMessages(ctx context.Context, msgs ...Message) error
	Close() error
}

type ReaderConfig struct {
	Topic             string
	GroupID           string
	FromBeginning     bool
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	AutoCommit        bool
	CommitInterval    time.Duration
	OnLifecycle       func(LifecycleType, error)
}

func (c ReaderConfig) emit(t LifecycleType, err error) {
	if c.OnLifecycle != nil {
		c.OnLifecycle(t, err)
	}
}

// Transport connects the bus to a concrete broker.
type Transport interface {
	Name() string
	Connect(ctx context.Context) (Writer, error)
	NewReader(ctx context.Context, cfg ReaderConfig) (Reader, error)
}

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

type LifecycleType string

const (
	LifecycleConnect     LifecycleType = "CONNECT"
	LifecycleGroupJoin   LifecycleType = "GROUP_JOIN"
	LifecycleRebalancing LifecycleType = "REBALANCING"
	LifecycleDisconnect  LifecycleType = "DISCONNECT"
	LifecycleCrash       LifecycleType = "CRASH"
)

type LifecycleEvent struct {
	Type    LifecycleType
	Topic   string
	GroupID string
	Time    time.Time
	Err     error
}

type LifecycleObserver func(LifecycleEvent)

// Handler processes one envelope. Returning an error, or panicking, sends
// the message to the dead-letter topic.
type Handler func(ctx context.Context, env models.Envelope, d *Delivery) error

// Delivery describes where an envelope came from and, for manual-commit
// subscriptions, lets the handler commit it.
type Delivery struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Headers   []models.Header
	Time      time.Time

	commit func(ctx context.Context) error
}

// Commit marks this message and everything before it in the partition as
// processed for the consumer group.
func (d *Delivery) Commit(ctx context.Context) error {
	if d.commit == nil {
		return nil
	}
	return d.commit(ctx)
}

type SubscriptionKey struct {
	Topic   string
	GroupID string
}

type SubscribeOptions struct {
	GroupID           string
	FromBeginning     bool
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	AutoCommit        bool
	CommitInterval    time.Duration
}

type SubscribeOption func(*SubscribeOptions)

func WithGroupID(groupID string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.GroupID = groupID
	}
}

// FromBeginning starts a new consumer group at the oldest retained message
// instead of the newest.
func FromBeginning() SubscribeOption {
	return func(o *SubscribeOptions) {
		o.FromBeginning = true
	}
}

// WithManualCommit leaves commits to the handler via Delivery.Commit. The
// loop then commits nothing itself: malformed and dead-lettered messages are
// covered by the handler's next commit on the same partition.
func WithManualCommit() SubscribeOption {
	return func(o *SubscribeOptions) {
		o.AutoCommit = false
	}
}

func WithSessionTimeout(d time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.SessionTimeout = d
	}
}

func WithHeartbeatInterval(d time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.HeartbeatInterval = d
	}
}

func WithCommitInterval(d time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.CommitInterval = d
	}
}

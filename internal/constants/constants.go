package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
	KafkaDialTimeout  = 5 * time.Second
)

const (
	DefaultServiceTimeout    = 5 * time.Second
	DefaultUploadTimeout     = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultBackoffInitial    = 1 * time.Second
	DefaultBackoffMax        = 5 * time.Second
	DefaultBackoffMultiplier = 2.0
	HealthPath               = "/health"
	ForwardedByValue         = "blogmesh-gateway"
)

const (
	HeaderRequestID   = "X-Request-ID"
	HeaderForwardedBy = "X-Forwarded-By"
)

const (
	ServiceUser = "user"
	ServicePost = "post"
	ServiceFile = "file"
)

const (
	DefaultUserServiceURL = "http://localhost:3001"
	DefaultPostServiceURL = "http://localhost:3002"
	DefaultFileServiceURL = "http://localhost:3003"
)

const (
	TopicUserEvents     = "user.events"
	TopicPostEvents     = "post.events"
	TopicCategoryEvents = "category.events"
	TopicGatewayEvents  = "gateway.events"
	DeadLetterSuffix    = ".dlq"
)

const (
	DefaultEnvelopeVersion = "1.0"
	EnvelopeContentType    = "application/json"
)

const (
	DefaultSessionTimeout    = 30 * time.Second
	DefaultHeartbeatInterval = 3 * time.Second
	DefaultCommitInterval    = 5 * time.Second
	FetchErrorBackoff        = 1 * time.Second
)

const (
	ConsumerShutdownTimeout = 10 * time.Second
	ProducerShutdownTimeout = 5 * time.Second
	ShutdownTimeout         = 5 * time.Second
)

const (
	DefaultUploadPath      = "/files/upload"
	DefaultUploadFieldName = "file"
	MaxUploadBytes         = 32 << 20
)

const (
	BrokerTypeKafka  = "kafka"
	BrokerTypeNATS   = "nats"
	BrokerTypeMemory = "memory"
)

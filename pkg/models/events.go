package models

const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
)

const (
	EventPostCreated   = "post.created"
	EventPostUpdated   = "post.updated"
	EventPostPublished = "post.published"
	EventPostDeleted   = "post.deleted"
)

const (
	EventCategoryCreated = "category.created"
	EventCategoryUpdated = "category.updated"
	EventCategoryDeleted = "category.deleted"
)

const (
	EventRegistryEndpointUpdated = "registry.endpoint.updated"
	EventDeadLettered            = "event.dead_lettered"
)

// EndpointUpdatedEvent is published by the gateway when a registry entry is
// hot-patched.
type EndpointUpdatedEvent struct {
	Service    string `json:"service"`
	BaseURL    string `json:"baseUrl"`
	TimeoutMs  int64  `json:"timeoutMs"`
	MaxRetries int    `json:"maxRetries"`
	ChangedBy  string `json:"changedBy,omitempty"`
}

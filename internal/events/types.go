package events

// Realtime events pushed to connected clients.
const (
	EventMessageNew         = "message:new"
	EventMessageEdited      = "message:edited"
	EventMessageDeleted     = "message:deleted"
	EventConversationUpdate = "conversation:update"
	EventConversationRead   = "conversation:read"
	EventUserTyping         = "user:typing"
	EventUserStoppedTyping  = "user:stopped-typing"
	EventUserStatusChange   = "user:status-change"
	EventPong               = "pong"
	EventError              = "error"
)

// Frames accepted from clients.
const (
	ClientJoinConversation  = "join:conversation"
	ClientLeaveConversation = "leave:conversation"
	ClientTypingStart       = "typing:start"
	ClientTypingStop        = "typing:stop"
	ClientPing              = "ping"
)

// Domain event types published to the message broker, formatted domain.action.
const (
	EventTypeMessageCreated      = "message.created"
	EventTypeMessageUpdated      = "message.updated"
	EventTypeMessageDeleted      = "message.deleted"
	EventTypeConversationCreated = "conversation.created"
	EventTypeConversationRead    = "conversation.read"
)

// Aggregate type constants
const (
	AggregateConversation = "conversation"
	AggregateMessage      = "message"
)

package events

import (
	"strings"

	"github.com/google/uuid"
)

// Group names used for fan-out. Every authenticated connection joins its
// user's group and the presence group; conversation groups are joined on request.
const (
	GroupPrefixUser         = "user:"
	GroupPrefixConversation = "conversation:"
	GroupPresence           = "presence"
)

// ChannelPrefix namespaces groups on the Redis pub/sub bus.
const ChannelPrefix = "channel:"

func UserGroup(userID uuid.UUID) string {
	return GroupPrefixUser + userID.String()
}

func ConversationGroup(conversationID uuid.UUID) string {
	return GroupPrefixConversation + conversationID.String()
}

// ConversationFromGroup returns the conversation id of a conversation group name.
func ConversationFromGroup(group string) (uuid.UUID, bool) {
	if !strings.HasPrefix(group, GroupPrefixConversation) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimPrefix(group, GroupPrefixConversation))
	return id, err == nil
}

func ChannelForGroup(group string) string {
	return ChannelPrefix + group
}

func GroupForChannel(channel string) string {
	return strings.TrimPrefix(channel, ChannelPrefix)
}

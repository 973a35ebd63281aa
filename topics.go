package chatsync

// InboxTopic carries per-user "conversation list changed" notifications.
const InboxTopic = "/user/queue/chat"

// ConversationTopic carries new messages of one conversation.
func ConversationTopic(conversationID string) string {
	return "/topic/chat/conversations/" + conversationID
}

// ReadTopic carries read-pointer changes of one conversation.
func ReadTopic(conversationID string) string {
	return ConversationTopic(conversationID) + "/read"
}

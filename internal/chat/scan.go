package chat

import "time"

// ThreadShape tags which of the known backend shapes a thread record has.
type ThreadShape int

const (
	// ShapeUnknown carries neither messages nor summary fields we understand.
	ShapeUnknown ThreadShape = iota
	// ShapeMessageList embeds a non-empty message list.
	ShapeMessageList
	// ShapeSummary only has last-message summary fields.
	ShapeSummary
)

func (s ThreadShape) String() string {
	switch s {
	case ShapeMessageList:
		return "message_list"
	case ShapeSummary:
		return "summary"
	default:
		return "unknown"
	}
}

var (
	messageListFields = []string{"messages", "chatMessages", "items"}

	senderFields = []string{
		"senderId", "sender_id",
		"fromUserId", "from_user_id",
		"userId", "user_id",
		"sender.id", "sender.userId",
	}

	summarySenderFields = []string{
		"lastMessageSenderId", "last_message_sender_id",
		"lastSenderId", "last_sender_id",
		"lastMessage.senderId", "lastMessage.sender_id",
	}

	summaryTimeFields = []string{
		"lastMessageAt", "last_message_at",
		"lastMessageTime", "last_message_time",
		"lastMessage.createdAt", "lastMessage.created_at",
		"updatedAt", "updated_at",
	}
)

// ThreadView is the classified form of one thread record.
type ThreadView struct {
	Shape ThreadShape

	// ShapeMessageList
	Messages []Record

	// ShapeSummary
	LastSenderID string
	LastAt       time.Time
	HasLastAt    bool
}

// ClassifyThread decides which shape rec has.
//
// The first message-list alias holding an array is used; an empty list
// falls through to the summary fields.
func ClassifyThread(rec Record) ThreadView {
	for _, f := range messageListFields {
		v, ok := rec.lookup(f)
		if !ok {
			continue
		}
		arr, ok := v.([]any)
		if !ok {
			continue
		}
		msgs := make([]Record, 0, len(arr))
		for _, item := range arr {
			if m, ok := asRecord(item); ok {
				msgs = append(msgs, m)
			}
		}
		if len(msgs) > 0 {
			return ThreadView{Shape: ShapeMessageList, Messages: msgs}
		}
		break
	}

	_, hasSummaryTime := rec.first(summaryTimeFields)
	if !hasSummaryTime {
		return ThreadView{Shape: ShapeUnknown}
	}
	v := ThreadView{Shape: ShapeSummary, LastSenderID: rec.firstString(summarySenderFields)}
	v.LastAt, v.HasLastAt = normalizeFields(rec, summaryTimeFields)
	return v
}

// SenderID returns the author of a message record ("" when absent).
func SenderID(msg Record) string { return msg.firstString(senderFields) }

// isInbound reports whether a message by sender counts as received by
// selfID. An unknown self or an unknown sender both count as inbound.
func isInbound(sender, selfID string) bool {
	if selfID == "" || sender == "" {
		return true
	}
	return !SameUser(sender, selfID)
}

// LatestInbound returns the newest instant of a message not authored by
// selfID across all threads.
//
// Equal instants keep the first one seen.
func LatestInbound(threads []Record, selfID string) (time.Time, bool) {
	var (
		best  time.Time
		found bool
	)
	consider := func(t time.Time) {
		if !found || t.After(best) {
			best = t
			found = true
		}
	}

	for _, th := range threads {
		if th == nil {
			continue
		}
		view := ClassifyThread(th)
		switch view.Shape {
		case ShapeMessageList:
			for _, m := range view.Messages {
				if !isInbound(SenderID(m), selfID) {
					continue
				}
				if t, ok := NormalizeTimestamp(m); ok {
					consider(t)
				}
			}
		case ShapeSummary:
			if view.HasLastAt && isInbound(view.LastSenderID, selfID) {
				consider(view.LastAt)
			}
		case ShapeUnknown:
			// legacy/unknown shape: nothing to compare
		}
	}
	return best, found
}

package api

import (
	"encoding/json"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/store"
)

func str(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func num(in *structpb.Struct, key string) int64 {
	return int64(in.GetFields()[key].GetNumberValue())
}

func entryMap(e feed.Entry) map[string]any {
	return map[string]any{
		"conversation_id": e.ConversationID,
		"kind":            string(e.Kind),
		"peer": map[string]any{
			"user_id":      e.Peer.UserID,
			"display_name": e.Peer.DisplayName,
			"avatar_url":   e.Peer.AvatarURL,
		},
		"last_message": lastMessageMap(e.LastMessage),
		"unread":       e.Unread,
		"updated_at":   e.UpdatedAt,
		"pinned":       e.Pinned,
		"live":         e.Live,
		"expires_at":   e.ExpiresAt,
	}
}

func lastMessageMap(lm store.LastMessage) map[string]any {
	return map[string]any{
		"message_id": lm.MessageID,
		"summary":    lm.Summary,
		"sender_id":  lm.SenderID,
		"created_at": lm.CreatedAt,
		"status":     string(lm.Status),
	}
}

func entriesList(entries []feed.Entry) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryMap(e))
	}
	return out
}

func messageMap(m *store.Message) map[string]any {
	out := map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"created_at":      m.CreatedAt,
		"kind":            string(m.Payload.Kind),
		"summary":         m.Payload.Summary(),
		"payload":         payloadMap(m.Payload),
		"status":          string(m.Status),
		"delivered_at":    m.DeliveredAt,
		"read_at":         m.ReadAt,
		"is_pinned":       m.IsPinned,
		"is_edited":       m.IsEdited,
		"is_recalled":     m.IsRecalled,
	}
	if m.ReplyTo != nil {
		out["reply_to"] = map[string]any{
			"message_id": m.ReplyTo.MessageID,
			"sender_id":  m.ReplyTo.SenderID,
			"summary":    m.ReplyTo.Summary,
		}
	}
	if len(m.Reactions) > 0 {
		reactions := make(map[string]any, len(m.Reactions))
		for emoji, users := range m.Reactions {
			list := make([]any, len(users))
			for i, u := range users {
				list[i] = u
			}
			reactions[emoji] = list
		}
		out["reactions"] = reactions
	}
	return out
}

// payloadMap reuses the payload's JSON form so every variant keeps its field names.
func payloadMap(p store.Payload) map[string]any {
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func messagesList(msgs []store.Message) []any {
	out := make([]any, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageMap(&msgs[i]))
	}
	return out
}

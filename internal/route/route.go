// Package route defines the navigation tuple attached to push notifications.
package route

import (
	"errors"
	"fmt"
)

// Type names the screen a notification opens.
type Type string

const (
	Like          Type = "like"
	Comment       Type = "comment"
	Mention       Type = "mention"
	Follow        Type = "follow"
	FriendRequest Type = "friend_request"
	Message       Type = "message"
	HotSpot       Type = "hot_spot"
	GroupMessage  Type = "group_message"
	GroupInvite   Type = "group_invite"
	Hashtag       Type = "hashtag"
	Call          Type = "call"
	System        Type = "system"
)

// Data keys carried in the push payload.
const (
	KeyType           = "type"
	KeyConversationID = "chatId"
	KeyUserID         = "userId"
	KeyGroupID        = "groupId"
	KeyPostID         = "postId"
	KeyCallID         = "callId"
	KeyHashtag        = "hashtag"
	KeySenderID       = "senderId"
)

var (
	ErrUnknownType = errors.New("route: unknown type")
	ErrMissingID   = errors.New("route: missing identifier")
)

// required maps each type to the data key it cannot do without. An empty key
// means the type needs no identifier.
var required = map[Type]string{
	Like:          KeyPostID,
	Comment:       KeyPostID,
	Mention:       KeyPostID,
	Follow:        KeyUserID,
	FriendRequest: KeyUserID,
	Message:       KeyConversationID,
	HotSpot:       KeyConversationID,
	GroupMessage:  KeyGroupID,
	GroupInvite:   KeyGroupID,
	Hashtag:       KeyHashtag,
	Call:          KeyCallID,
	System:        "",
}

// Route is the typed navigation target of a notification.
type Route struct {
	Type           Type
	ConversationID string
	UserID         string
	GroupID        string
	PostID         string
	CallID         string
	Hashtag        string
	SenderID       string
}

// ForConversation builds the route opening a conversation sent by senderID.
func ForConversation(contextual bool, conversationID, senderID string) Route {
	t := Message
	if contextual {
		t = HotSpot
	}
	return Route{Type: t, ConversationID: conversationID, SenderID: senderID}
}

// Validate checks that the identifier required by the route type is present.
func (r Route) Validate() error {
	key, ok := required[r.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, r.Type)
	}
	if key != "" && r.get(key) == "" {
		return fmt.Errorf("%w: %s requires %s", ErrMissingID, r.Type, key)
	}
	return nil
}

// Data flattens the route into a push data map.
func (r Route) Data() map[string]string {
	out := map[string]string{KeyType: string(r.Type)}
	for _, k := range []string{KeyConversationID, KeyUserID, KeyGroupID, KeyPostID, KeyCallID, KeyHashtag, KeySenderID} {
		if v := r.get(k); v != "" {
			out[k] = v
		}
	}
	return out
}

// Parse reads a route from push data.
func Parse(data map[string]string) (Route, error) {
	r := Route{
		Type:           Type(data[KeyType]),
		ConversationID: data[KeyConversationID],
		UserID:         data[KeyUserID],
		GroupID:        data[KeyGroupID],
		PostID:         data[KeyPostID],
		CallID:         data[KeyCallID],
		Hashtag:        data[KeyHashtag],
		SenderID:       data[KeySenderID],
	}
	if err := r.Validate(); err != nil {
		return Route{}, err
	}
	return r, nil
}

func (r Route) get(key string) string {
	switch key {
	case KeyConversationID:
		return r.ConversationID
	case KeyUserID:
		return r.UserID
	case KeyGroupID:
		return r.GroupID
	case KeyPostID:
		return r.PostID
	case KeyCallID:
		return r.CallID
	case KeyHashtag:
		return r.Hashtag
	case KeySenderID:
		return r.SenderID
	}
	return ""
}

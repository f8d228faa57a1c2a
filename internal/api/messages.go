package api

import (
	"context"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/store"
)

// messageTarget checks the viewer belongs to the conversation and returns the
// addressed message ids.
func (s *Service) messageTarget(ctx context.Context, in *structpb.Struct) (string, string, error) {
	convID, msgID := str(in, "conversation_id"), str(in, "message_id")
	if convID == "" || msgID == "" {
		return "", "", grpcstatus.Error(codes.InvalidArgument, "conversation_id and message_id are required")
	}
	if _, err := s.resolveRef(ctx, convID, ""); err != nil {
		return "", "", err
	}
	return convID, msgID, nil
}

func (s *Service) reloaded(ctx context.Context, convID, msgID string) (*structpb.Struct, error) {
	m, err := s.db.GetMessage(ctx, convID, msgID)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"message": messageMap(m)})
}

func (s *Service) React(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	convID, msgID, err := s.messageTarget(ctx, in)
	if err != nil {
		return nil, err
	}
	emoji := str(in, "emoji")
	if emoji == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "emoji is required")
	}
	m, err := s.db.ToggleReaction(ctx, convID, msgID, s.viewerID, emoji)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"message": messageMap(m)})
}

func (s *Service) PinMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	convID, msgID, err := s.messageTarget(ctx, in)
	if err != nil {
		return nil, err
	}
	pinned := in.GetFields()["pinned"].GetBoolValue()
	if err := s.db.SetMessagePinned(ctx, convID, msgID, pinned); err != nil {
		return nil, toStatus(err)
	}
	return s.reloaded(ctx, convID, msgID)
}

func (s *Service) EditMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	convID, msgID, err := s.messageTarget(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := s.db.EditMessage(ctx, convID, msgID, s.viewerID, str(in, "text")); err != nil {
		return nil, toStatus(err)
	}
	return s.reloaded(ctx, convID, msgID)
}

func (s *Service) RecallMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	convID, msgID, err := s.messageTarget(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := s.db.RecallMessage(ctx, convID, msgID, s.viewerID); err != nil {
		return nil, toStatus(err)
	}
	return s.reloaded(ctx, convID, msgID)
}

// DeleteMessage hides a message from the viewer only.
func (s *Service) DeleteMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	convID, msgID, err := s.messageTarget(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := s.db.DeleteMessageFor(ctx, convID, msgID, s.viewerID); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"deleted": true})
}

// PutUsers stores directory records and drops their cached copies.
func (s *Service) PutUsers(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	raw := in.GetFields()["users"].GetListValue().GetValues()
	users := make([]store.User, 0, len(raw))
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		f := v.GetStructValue()
		u := store.User{
			ID:          str(f, "id"),
			DisplayName: str(f, "display_name"),
			AvatarURL:   str(f, "avatar_url"),
			PushToken:   str(f, "push_token"),
		}
		if u.ID == "" {
			return nil, grpcstatus.Error(codes.InvalidArgument, "user id is required")
		}
		users = append(users, u)
		ids = append(ids, u.ID)
	}
	if err := s.db.BulkUpsertUsers(ctx, users); err != nil {
		return nil, toStatus(err)
	}
	if s.directory != nil {
		s.directory.Invalidate(ids...)
	}
	return structpb.NewStruct(map[string]any{"stored": len(users)})
}

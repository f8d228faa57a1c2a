package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a daemon over its unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method with a plain map request.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	if req == nil {
		req = map[string]any{}
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) SendText(ctx context.Context, convID, text string) (map[string]any, error) {
	return c.Call(ctx, MethodSend, map[string]any{"conversation_id": convID, "text": text})
}

func (c *Client) ListFeed(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, MethodListFeed, nil)
}

func (c *Client) LoadMore(ctx context.Context, kind string) (map[string]any, error) {
	return c.Call(ctx, MethodLoadMore, map[string]any{"kind": kind})
}

func (c *Client) Refresh(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, MethodRefresh, nil)
}

func (c *Client) OpenConversation(ctx context.Context, convID string, limit int) (map[string]any, error) {
	return c.Call(ctx, MethodOpenConversation, map[string]any{"conversation_id": convID, "limit": limit})
}

func (c *Client) CloseConversation(ctx context.Context, convID string) (map[string]any, error) {
	return c.Call(ctx, MethodCloseConversation, map[string]any{"conversation_id": convID})
}

func (c *Client) StartConversation(ctx context.Context, peerID string) (map[string]any, error) {
	return c.Call(ctx, MethodStartConversation, map[string]any{"peer_id": peerID})
}

// WatchFeed streams feed snapshots to fn until ctx is done, the stream ends
// or fn returns an error.
func (c *Client) WatchFeed(ctx context.Context, fn func(map[string]any) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(MethodWatchFeed))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		snap := new(structpb.Struct)
		if err := stream.RecvMsg(snap); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(snap.AsMap()); err != nil {
			return err
		}
	}
}

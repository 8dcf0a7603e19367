package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls ServiceName with a controller's bearer token.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target, token string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, token: token}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

func (c *Client) invoke(ctx context.Context, method string, in any) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Scan(ctx context.Context, payload string) (*structpb.Struct, error) {
	return c.invoke(ctx, "Scan", wrapperspb.String(payload))
}

func (c *Client) Evaluate(ctx context.Context, userID int64) (*structpb.Struct, error) {
	return c.invoke(ctx, "Evaluate", wrapperspb.Int64(userID))
}

func (c *Client) ChangeGate(ctx context.Context, gate string) (*structpb.Struct, error) {
	return c.invoke(ctx, "ChangeGate", wrapperspb.String(gate))
}

func (c *Client) CurrentState(ctx context.Context, userID int64) (*structpb.Struct, error) {
	return c.invoke(ctx, "CurrentState", wrapperspb.Int64(userID))
}

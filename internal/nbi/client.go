package nbi

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Rusteze-AP/simulation-controller/model"
)

// IntentReply is the decoded reply of an intent RPC.
type IntentReply struct {
	IntentID string `json:"intent_id"`
	Intent   string `json:"intent"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Client talks to the operator service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target. Without options the connection is plaintext.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// WithIntentID tags outgoing calls on ctx with an operator-chosen intent id.
func WithIntentID(ctx context.Context, id string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, IntentIDMetadataKey, id)
}

func (c *Client) CrashNode(ctx context.Context, id model.NodeID) (IntentReply, error) {
	return c.intent(ctx, MethodCrashNode, map[string]any{"node_id": int(id)})
}

func (c *Client) AddEdge(ctx context.Context, a, b model.NodeID) (IntentReply, error) {
	return c.intent(ctx, MethodAddEdge, pair(a, b))
}

func (c *Client) AddEdgeAcrossKinds(ctx context.Context, a, b model.NodeID) (IntentReply, error) {
	return c.intent(ctx, MethodAddEdgeAcrossKinds, pair(a, b))
}

func (c *Client) RemoveEdge(ctx context.Context, a, b model.NodeID) (IntentReply, error) {
	return c.intent(ctx, MethodRemoveEdge, pair(a, b))
}

func (c *Client) RemoveEdgeAcrossKinds(ctx context.Context, a, b model.NodeID) (IntentReply, error) {
	return c.intent(ctx, MethodRemoveEdgeAcrossKinds, pair(a, b))
}

func (c *Client) SetDropRate(ctx context.Context, id model.NodeID, rate float64) (IntentReply, error) {
	return c.intent(ctx, MethodSetDropRate, map[string]any{"node_id": int(id), "rate": rate})
}

func (c *Client) SwapTopology(ctx context.Context, source string) (IntentReply, error) {
	return c.intent(ctx, MethodSwapTopology, map[string]any{"source": source})
}

// Shutdown asks the controller to quiesce and stop.
func (c *Client) Shutdown(ctx context.Context) (IntentReply, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodShutdown, &emptypb.Empty{}, out); err != nil {
		return IntentReply{}, err
	}
	var reply IntentReply
	err := fromStruct(out, &reply)
	return reply, err
}

// GetTopology fetches the live topology.
func (c *Client) GetTopology(ctx context.Context) (model.TopologySnapshot, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodGetTopology, &emptypb.Empty{}, out); err != nil {
		return model.TopologySnapshot{}, err
	}
	var snap model.TopologySnapshot
	err := fromStruct(out, &snap)
	return snap, err
}

// WatchEvents calls fn with every observer update, as a JSON-shaped map,
// until ctx ends, the server closes the stream, or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, fn func(map[string]any) error) error {
	desc := &OperatorServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, MethodWatchEvents)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(msg.AsMap()); err != nil {
			return err
		}
	}
}

func (c *Client) intent(ctx context.Context, method string, args map[string]any) (IntentReply, error) {
	in, err := structpb.NewStruct(args)
	if err != nil {
		return IntentReply{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return IntentReply{}, err
	}
	var reply IntentReply
	err = fromStruct(out, &reply)
	return reply, err
}

func pair(a, b model.NodeID) map[string]any {
	return map[string]any{"a": int(a), "b": int(b)}
}

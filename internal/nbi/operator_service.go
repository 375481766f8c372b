package nbi

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Rusteze-AP/simulation-controller/internal/controller"
	"github.com/Rusteze-AP/simulation-controller/internal/logging"
	"github.com/Rusteze-AP/simulation-controller/internal/observer"
	"github.com/Rusteze-AP/simulation-controller/model"
)

// Controller is the slice of controller.Controller the operator service
// drives.
type Controller interface {
	CrashNode(ctx context.Context, id model.NodeID) controller.Result
	AddEdge(ctx context.Context, a, b model.NodeID) controller.Result
	AddEdgeAcrossKinds(ctx context.Context, a, b model.NodeID) controller.Result
	RemoveEdge(ctx context.Context, a, b model.NodeID) controller.Result
	RemoveEdgeAcrossKinds(ctx context.Context, a, b model.NodeID) controller.Result
	SetDropRate(ctx context.Context, id model.NodeID, rate float64) controller.Result
	SwapTopology(ctx context.Context, source string) controller.Result
	Shutdown(ctx context.Context) error
	Snapshot() model.TopologySnapshot
}

// Feed hands out observer subscriptions. observer.Hub satisfies it.
type Feed interface {
	Subscribe(buffer int) (*observer.Subscription, error)
}

// OperatorService turns operator RPCs into controller intents.
//
// Request fields:
//   - CrashNode: node_id
//   - AddEdge, AddEdgeAcrossKinds, RemoveEdge, RemoveEdgeAcrossKinds: a, b
//   - SetDropRate: node_id, rate
//   - SwapTopology: source
//
// Intent replies carry intent_id, intent, status and, for a partial
// outcome, error. A rejected intent is returned as a gRPC status error.
type OperatorService struct {
	ctrl       Controller
	feed       Feed
	log        logging.Logger
	onShutdown func()
}

// OperatorOption customises an OperatorService.
type OperatorOption func(*OperatorService)

// WithShutdownHook runs fn after a Shutdown RPC has been applied.
func WithShutdownHook(fn func()) OperatorOption {
	return func(s *OperatorService) { s.onShutdown = fn }
}

// NewOperatorService constructs the service. feed may be nil, in which case
// WatchEvents is unavailable.
func NewOperatorService(ctrl Controller, feed Feed, log logging.Logger, opts ...OperatorOption) *OperatorService {
	if log == nil {
		log = logging.Noop()
	}
	s := &OperatorService{ctrl: ctrl, feed: feed, log: log.With(logging.String("component", "nbi"))}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

var _ OperatorServer = (*OperatorService)(nil)

func (s *OperatorService) CrashNode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := nodeArg(in, "node_id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	return intentReply(s.ctrl.CrashNode(ctx, id))
}

func (s *OperatorService) AddEdge(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.edge(ctx, in, s.ctrl.AddEdge)
}

func (s *OperatorService) AddEdgeAcrossKinds(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.edge(ctx, in, s.ctrl.AddEdgeAcrossKinds)
}

func (s *OperatorService) RemoveEdge(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.edge(ctx, in, s.ctrl.RemoveEdge)
}

func (s *OperatorService) RemoveEdgeAcrossKinds(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.edge(ctx, in, s.ctrl.RemoveEdgeAcrossKinds)
}

func (s *OperatorService) edge(ctx context.Context, in *structpb.Struct, apply func(context.Context, model.NodeID, model.NodeID) controller.Result) (*structpb.Struct, error) {
	a, err := nodeArg(in, "a")
	if err != nil {
		return nil, ToStatusError(err)
	}
	b, err := nodeArg(in, "b")
	if err != nil {
		return nil, ToStatusError(err)
	}
	return intentReply(apply(ctx, a, b))
}

func (s *OperatorService) SetDropRate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := nodeArg(in, "node_id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	rate, err := numberArg(in, "rate")
	if err != nil {
		return nil, ToStatusError(err)
	}
	return intentReply(s.ctrl.SetDropRate(ctx, id, rate))
}

func (s *OperatorService) SwapTopology(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	source := in.GetFields()["source"].GetStringValue()
	if source == "" {
		return nil, ToStatusError(fmt.Errorf("%w: source is required", ErrInvalidArgument))
	}
	return intentReply(s.ctrl.SwapTopology(ctx, source))
}

func (s *OperatorService) Shutdown(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	log := logging.FromContext(ctx, s.log)
	log.Info(ctx, "shutdown requested over RPC")

	err := s.ctrl.Shutdown(ctx)
	reply := map[string]any{
		"intent_id": logging.IntentIDFromContext(ctx),
		"intent":    controller.IntentShutdown,
		"status":    model.IntentSucceeded.String(),
	}
	if err != nil {
		reply["status"] = model.IntentPartial.String()
		reply["error"] = err.Error()
	}
	if s.onShutdown != nil {
		go s.onShutdown()
	}
	return structpb.NewStruct(reply)
}

func (s *OperatorService) GetTopology(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	out, err := toStruct(s.ctrl.Snapshot())
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// WatchEvents streams every observer update until the client goes away or
// the observer closes.
func (s *OperatorService) WatchEvents(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	if s.feed == nil {
		return ToStatusError(observer.ErrClosed)
	}
	sub, err := s.feed.Subscribe(0)
	if err != nil {
		return ToStatusError(err)
	}
	defer sub.Close()

	log := logging.FromContext(ctx, s.log)
	log.Info(ctx, "event watch opened")
	defer log.Info(ctx, "event watch closed", logging.Int("dropped", int(sub.Dropped())))

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-sub.C:
			if !ok {
				return ToStatusError(observer.ErrClosed)
			}
			msg, err := toStruct(u)
			if err != nil {
				return ToStatusError(err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func intentReply(res controller.Result) (*structpb.Struct, error) {
	if res.Status == model.IntentRejected {
		return nil, ToStatusError(res.Err)
	}
	reply := map[string]any{
		"intent_id": res.IntentID,
		"intent":    res.Intent,
		"status":    res.Status.String(),
	}
	if res.Err != nil {
		reply["error"] = res.Err.Error()
	}
	return structpb.NewStruct(reply)
}

func nodeArg(in *structpb.Struct, key string) (model.NodeID, error) {
	v, err := numberArg(in, key)
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) || v < 0 || v > math.MaxUint8 {
		return 0, fmt.Errorf("%w: %s must be an integer in [0,255], got %v", ErrInvalidArgument, key, v)
	}
	return model.NodeID(v), nil
}

func numberArg(in *structpb.Struct, key string) (float64, error) {
	v, ok := in.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidArgument, key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidArgument, key)
	}
	return n.NumberValue, nil
}

// toStruct converts a JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

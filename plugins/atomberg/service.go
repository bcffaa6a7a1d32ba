package atomberg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/gofan/internal/rate"
	"github.com/joshp123/gofan/internal/session"
)

// AtombergServer is the server API for the fan bridge service.
type AtombergServer interface {
	ListDevices(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reconcile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SessionStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// SessionStatusSource reports the credential state.
type SessionStatusSource interface {
	Status() session.Status
}

type service struct {
	engine  *Engine
	session SessionStatusSource
}

func RegisterAtombergService(server *grpc.Server, engine *Engine, sess SessionStatusSource) {
	server.RegisterService(&serviceDesc, &service{engine: engine, session: sess})
}

type deviceView struct {
	Device
	State     DeviceState `json:"state"`
	Restored  bool        `json:"restored"`
	UpdatedAt string      `json:"updated_at,omitempty"`
}

func newDeviceView(acc Accessory) deviceView {
	view := deviceView{Device: acc.Device, State: acc.State, Restored: acc.Restored}
	if !acc.UpdatedAt.IsZero() {
		view.UpdatedAt = acc.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return view
}

func (s *service) ListDevices(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "atomberg plugin not configured")
	}
	accessories := s.engine.Accessories()
	views := make([]deviceView, 0, len(accessories))
	for _, acc := range accessories {
		views = append(views, newDeviceView(acc))
	}
	return toStruct(map[string]any{"devices": views})
}

func (s *service) GetState(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "atomberg plugin not configured")
	}
	var in struct {
		DeviceID string `json:"device_id"`
		Refresh  bool   `json:"refresh"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	if in.DeviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id is required")
	}
	if in.Refresh {
		if _, err := s.engine.RefreshState(ctx, in.DeviceID); err != nil {
			return nil, grpcError(err)
		}
	}
	acc, ok := s.engine.Accessory(in.DeviceID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown device %s", in.DeviceID)
	}
	return toStruct(newDeviceView(acc))
}

func (s *service) SendCommand(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "atomberg plugin not configured")
	}
	var in struct {
		DeviceID string  `json:"device_id"`
		Command  Command `json:"command"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	cmd := in.Command
	cmd.DeviceID = in.DeviceID
	if err := s.engine.SendCommand(ctx, cmd); err != nil {
		return nil, grpcError(err)
	}
	return toStruct(map[string]any{"accepted": true})
}

func (s *service) Reconcile(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "atomberg plugin not configured")
	}
	result, err := s.engine.Reconcile(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(map[string]any{
		"added":              nonNil(result.Added),
		"updated":            nonNil(result.Updated),
		"removed":            nonNil(result.Removed),
		"states_unavailable": result.StatesUnavailable,
	})
}

func (s *service) SessionStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.session == nil {
		return nil, status.Error(codes.FailedPrecondition, "atomberg plugin not configured")
	}
	st := s.session.Status()
	out := map[string]any{
		"provider":      st.Provider,
		"authenticated": st.Authenticated,
	}
	if !st.ExpiresAt.IsZero() {
		out["expires_at"] = st.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return toStruct(out)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func grpcError(err error) error {
	var limited rate.RateLimitError
	var statusErr *HTTPStatusError
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrUnknownDevice):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrDeviceOffline):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrInvalidCommand):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, session.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.As(err, &limited):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.As(err, &statusErr) && statusErr.Unauthorized():
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.As(err, &apiErr):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func unaryHandler(name string, call func(AtombergServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AtombergServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AtombergServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AtombergServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("ListDevices", AtombergServer.ListDevices),
		unaryHandler("GetState", AtombergServer.GetState),
		unaryHandler("SendCommand", AtombergServer.SendCommand),
		unaryHandler("Reconcile", AtombergServer.Reconcile),
		unaryHandler("SessionStatus", AtombergServer.SessionStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: protoFile,
}

// ServiceClient calls AtombergService over an existing connection.
type ServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewServiceClient(cc grpc.ClientConnInterface) *ServiceClient {
	return &ServiceClient{cc: cc}
}

// Call invokes method with a JSON-compatible request and decodes the
// response into out.
func (c *ServiceClient) Call(ctx context.Context, method string, req any, out any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}

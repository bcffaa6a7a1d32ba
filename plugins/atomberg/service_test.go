package atomberg

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"

	"github.com/joshp123/gofan/internal/session"
)

type staticStatus session.Status

func (s staticStatus) Status() session.Status { return session.Status(s) }

func startService(t *testing.T, engine *Engine, sess SessionStatusSource) *ServiceClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterAtombergService(server, engine, sess)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewServiceClient(conn)
}

func TestServiceDescriptorRegistered(t *testing.T) {
	desc, err := protoregistry.GlobalFiles.FindDescriptorByName(protoreflect.FullName(ServiceName))
	require.NoError(t, err)
	svc, ok := desc.(protoreflect.ServiceDescriptor)
	require.True(t, ok)
	assert.Equal(t, len(methodNames), svc.Methods().Len())
	assert.Equal(t, protoreflect.FullName("google.protobuf.Struct"), svc.Methods().ByName("SendCommand").Input().FullName())
}

func TestServiceRoundTrip(t *testing.T) {
	api := &fakeAPI{
		devices: []Device{{DeviceID: "fan1", Name: "Study"}, {DeviceID: "fan2"}},
		states:  []DeviceState{onlineState("fan1", 3), {DeviceID: "fan2"}},
	}
	engine := newTestEngine(t, api, newRecordingHost(), nil)
	expires := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	client := startService(t, engine, staticStatus{Provider: "atomberg", Authenticated: true, ExpiresAt: expires})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reconciled struct {
		Added []string `json:"added"`
	}
	require.NoError(t, client.Call(ctx, "Reconcile", map[string]any{}, &reconciled))
	assert.Equal(t, []string{"fan1", "fan2"}, reconciled.Added)

	var listed struct {
		Devices []struct {
			DeviceID string      `json:"device_id"`
			Name     string      `json:"name"`
			State    DeviceState `json:"state"`
		} `json:"devices"`
	}
	require.NoError(t, client.Call(ctx, "ListDevices", map[string]any{}, &listed))
	require.Len(t, listed.Devices, 2)
	assert.Equal(t, "Study", listed.Devices[0].Name)
	assert.Equal(t, 3, listed.Devices[0].State.LastRecordedSpeed)

	var accepted struct {
		Accepted bool `json:"accepted"`
	}
	req := map[string]any{"device_id": "fan1", "command": map[string]any{"speed": 5}}
	require.NoError(t, client.Call(ctx, "SendCommand", req, &accepted))
	assert.True(t, accepted.Accepted)
	require.Len(t, api.sent, 1)
	assert.Equal(t, 5, *api.sent[0].Speed)

	err := client.Call(ctx, "SendCommand", map[string]any{"device_id": "fan2", "command": map[string]any{"power": true}}, nil)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	err = client.Call(ctx, "SendCommand", map[string]any{"device_id": "fan1", "command": map[string]any{"speed": 60}}, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = client.Call(ctx, "GetState", map[string]any{"device_id": "ghost"}, nil)
	assert.Equal(t, codes.NotFound, status.Code(err))

	var sess struct {
		Authenticated bool   `json:"authenticated"`
		ExpiresAt     string `json:"expires_at"`
	}
	require.NoError(t, client.Call(ctx, "SessionStatus", map[string]any{}, &sess))
	assert.True(t, sess.Authenticated)
	assert.Equal(t, "2026-05-01T10:00:00Z", sess.ExpiresAt)
}

package server

import (
	"context"
	"net"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/neuroscan/internal/ingest"
)

func dialBufconn(t *testing.T, h *harness) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs, _ := NewGRPCServer(h.svc, nil)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestGRPCGetStatusAndList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub, err := h.svc.Submit(ctx, ingest.Upload{Filename: "scan.nii", Body: strings.NewReader("x"), AnalysisType: "ad"})
	if err != nil {
		t.Fatal(err)
	}
	conn := dialBufconn(t, h)

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, GetStatusMethod, mustStruct(t, map[string]any{"id": sub.SessionCode}), out); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	f := out.GetFields()
	if f["session_id"].GetStringValue() != sub.SessionID.String() || f["status"].GetStringValue() != "pending" || f["analysis_type"].GetStringValue() != "ad-only" {
		t.Fatalf("status = %v", out)
	}

	list := new(structpb.Struct)
	if err := conn.Invoke(ctx, ListSessionsMethod, mustStruct(t, map[string]any{"limit": 10}), list); err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if list.GetFields()["count"].GetNumberValue() != 1 || len(list.GetFields()["sessions"].GetListValue().GetValues()) != 1 {
		t.Fatalf("list = %v", list)
	}
}

func TestGRPCErrorCodes(t *testing.T) {
	h := newHarness(t)
	conn := dialBufconn(t, h)
	tests := []struct {
		req  map[string]any
		want codes.Code
	}{
		{req: map[string]any{}, want: codes.InvalidArgument},
		{req: map[string]any{"id": "garbage"}, want: codes.InvalidArgument},
		{req: map[string]any{"id": "MRI-20261018-WXYZ"}, want: codes.NotFound},
	}
	for _, tt := range tests {
		err := conn.Invoke(context.Background(), GetStatusMethod, mustStruct(t, tt.req), new(structpb.Struct))
		if got := status.Code(err); got != tt.want {
			t.Errorf("GetStatus(%v) code = %v, want %v (%v)", tt.req, got, tt.want, err)
		}
	}
	for _, req := range []map[string]any{{"offset": -1}, {"limit": "ten"}} {
		err := conn.Invoke(context.Background(), ListSessionsMethod, mustStruct(t, req), new(structpb.Struct))
		if status.Code(err) != codes.InvalidArgument {
			t.Errorf("ListSessions(%v) = %v", req, err)
		}
	}
}

func TestGRPCHealth(t *testing.T) {
	h := newHarness(t)
	client := grpc_health_v1.NewHealthClient(dialBufconn(t, h))
	for _, svc := range []string{"", AnalysisServiceName} {
		resp, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: svc})
		if err != nil {
			t.Fatalf("Check(%q): %v", svc, err)
		}
		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			t.Fatalf("Check(%q) = %v", svc, resp.GetStatus())
		}
	}
}

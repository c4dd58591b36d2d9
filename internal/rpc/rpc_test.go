package rpc_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/jmerrifield20/providerledger/internal/ledger/model"
	"github.com/jmerrifield20/providerledger/internal/peer"
	"github.com/jmerrifield20/providerledger/internal/processor"
	"github.com/jmerrifield20/providerledger/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// fakeLedger answers Get for P1 and rejects everything else.
type fakeLedger struct{}

func (fakeLedger) Invoke(ctx context.Context, op string, args json.RawMessage) (*peer.Receipt, error) {
	if op == processor.OpRegister {
		return &peer.Receipt{TxID: "tx-1", BlockHeight: 7, Result: map[string]string{"id": "P1"}}, nil
	}
	result, err := fakeLedger{}.Evaluate(ctx, op, args)
	if err != nil {
		return nil, err
	}
	return &peer.Receipt{Result: result}, nil
}

func (fakeLedger) Evaluate(_ context.Context, op string, args json.RawMessage) (any, error) {
	var req model.IDRequest
	_ = json.Unmarshal(args, &req)
	if op == processor.OpGet && req.ID == "P1" {
		return map[string]string{"id": "P1", "verificationStatus": "PENDING"}, nil
	}
	return nil, model.Errorf(model.CodeNotFound, "provider %s not found", req.ID)
}

func dial(t *testing.T) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv, _ := rpc.NewServer(fakeLedger{}, zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestInvoke_write(t *testing.T) {
	client := rpc.NewClient(dial(t))

	resp, err := client.Invoke(context.Background(), &rpc.Request{Op: processor.OpRegister, Args: json.RawMessage(`{"id":"P1"}`)})
	require.NoError(t, err)
	assert.Equal(t, "tx-1", resp.TxID)
	assert.Equal(t, uint64(7), resp.BlockHeight)
	assert.JSONEq(t, `{"id":"P1"}`, string(resp.Result))
}

func TestEvaluate(t *testing.T) {
	client := rpc.NewClient(dial(t))
	ctx := context.Background()

	resp, err := client.Evaluate(ctx, &rpc.Request{Op: processor.OpGet, Args: json.RawMessage(`{"id":"P1"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"P1","verificationStatus":"PENDING"}`, string(resp.Result))
	assert.Empty(t, resp.TxID)

	_, err = client.Evaluate(ctx, &rpc.Request{Op: processor.OpGet, Args: json.RawMessage(`{"id":"P2"}`)})
	assert.Equal(t, model.CodeNotFound, model.CodeOf(err))

	_, err = client.Evaluate(ctx, &rpc.Request{Op: processor.OpRegister})
	assert.Equal(t, model.CodeInvalidInput, model.CodeOf(err))
}

func TestStatusCodes(t *testing.T) {
	conn := dial(t)
	err := conn.Invoke(context.Background(), "/"+rpc.ServiceName+"/Evaluate",
		&rpc.Request{Op: processor.OpGet, Args: json.RawMessage(`{"id":"P9"}`)}, new(rpc.Response),
		grpc.CallContentSubtype(rpc.CodecName))
	assert.Equal(t, codes.NotFound, status.Code(err))

	assert.Equal(t, codes.Aborted, rpc.CodeOf(model.CodeStaleRead))
	assert.Equal(t, codes.FailedPrecondition, rpc.CodeOf(model.CodeInvalidTransition))
	assert.Equal(t, codes.InvalidArgument, rpc.CodeOf(model.CodeImmutableFieldViolation))
	assert.Equal(t, codes.AlreadyExists, rpc.CodeOf(model.CodeAlreadyExists))
}

func TestHealth(t *testing.T) {
	hc := grpc_health_v1.NewHealthClient(dial(t))
	resp, err := hc.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: rpc.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}

// Package rpc exposes the ledger invocation surface over gRPC. Messages are
// JSON encoded; the service descriptor is declared by hand.
package rpc

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jmerrifield20/providerledger/internal/ledger/model"
	"github.com/jmerrifield20/providerledger/internal/peer"
	"github.com/jmerrifield20/providerledger/internal/processor"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "providerledger.v1.Ledger"

const (
	invokeMethod   = "/" + ServiceName + "/Invoke"
	evaluateMethod = "/" + ServiceName + "/Evaluate"
)

// Request names an operation and carries its JSON arguments.
type Request struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response carries the operation result. TxID and BlockHeight are set for
// committed write operations only.
type Response struct {
	TxID        string          `json:"txId,omitempty"`
	BlockHeight uint64          `json:"blockHeight,omitempty"`
	Result      json.RawMessage `json:"result"`
}

// LedgerServer is the server API for the Ledger service.
type LedgerServer interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
	Evaluate(ctx context.Context, req *Request) (*Response, error)
}

// Ledger is the peer surface the service calls into.
type Ledger interface {
	Invoke(ctx context.Context, op string, args json.RawMessage) (*peer.Receipt, error)
	Evaluate(ctx context.Context, op string, args json.RawMessage) (any, error)
}

// Service implements LedgerServer.
type Service struct {
	ledger Ledger
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(ledger Ledger, logger *zap.Logger) *Service {
	return &Service{ledger: ledger, logger: logger}
}

// Invoke runs any operation; write operations return once committed.
func (s *Service) Invoke(ctx context.Context, req *Request) (*Response, error) {
	receipt, err := s.ledger.Invoke(ctx, req.Op, req.Args)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.respond(receipt.TxID, receipt.BlockHeight, receipt.Result)
}

// Evaluate runs a read operation and never orders anything.
func (s *Service) Evaluate(ctx context.Context, req *Request) (*Response, error) {
	if !processor.IsRead(req.Op) {
		return nil, toStatus(model.Errorf(model.CodeInvalidInput, "%q is not a read operation", req.Op))
	}
	result, err := s.ledger.Evaluate(ctx, req.Op, req.Args)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.respond("", 0, result)
}

func (s *Service) respond(txID string, height uint64, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("encode result", zap.Error(err))
		return nil, status.Error(codes.Internal, "encode result")
	}
	return &Response{TxID: txID, BlockHeight: height, Result: raw}, nil
}

// CodeOf maps a ledger error code to a gRPC status code.
func CodeOf(code model.Code) codes.Code {
	switch code {
	case model.CodeNotFound:
		return codes.NotFound
	case model.CodeAlreadyExists:
		return codes.AlreadyExists
	case model.CodeStaleRead:
		return codes.Aborted
	case model.CodeInvalidTransition:
		return codes.FailedPrecondition
	case model.CodeInvalidInput, model.CodeImmutableFieldViolation, model.CodeInvalidSelector:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// toStatus encodes err as "<Code>: <message>" so that FromStatus can recover
// the ledger code.
func toStatus(err error) error {
	e := model.AsError(err)
	return status.Error(CodeOf(e.Code), e.Error())
}

// FromStatus converts a gRPC error returned by the Ledger service back into a
// *model.Error.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if code, msg, found := strings.Cut(st.Message(), ": "); found {
		return &model.Error{Code: model.Code(code), Message: msg}
	}
	return &model.Error{Code: model.CodeInternal, Message: st.Message()}
}

// RegisterLedgerServer registers srv on s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc is the grpc.ServiceDesc for the Ledger service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: unaryHandler(invokeMethod, LedgerServer.Invoke)},
		{MethodName: "Evaluate", Handler: unaryHandler(evaluateMethod, LedgerServer.Evaluate)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "providerledger/v1/ledger.json",
}

func unaryHandler(fullMethod string, call func(LedgerServer, context.Context, *Request) (*Response, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Request)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServer), ctx, req.(*Request))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client is a Ledger service client.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a Client over an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Invoke calls Ledger/Invoke.
func (c *Client) Invoke(ctx context.Context, req *Request, opts ...grpc.CallOption) (*Response, error) {
	return c.call(ctx, invokeMethod, req, opts)
}

// Evaluate calls Ledger/Evaluate.
func (c *Client) Evaluate(ctx context.Context, req *Request, opts ...grpc.CallOption) (*Response, error) {
	return c.call(ctx, evaluateMethod, req, opts)
}

func (c *Client) call(ctx context.Context, method string, req *Request, opts []grpc.CallOption) (*Response, error) {
	out := new(Response)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, method, req, out, opts...); err != nil {
		return nil, FromStatus(err)
	}
	return out, nil
}

// Package mcpbridge serves read-only provider-ledger queries as Model Context
// Protocol tools over newline-delimited JSON-RPC 2.0 on stdio. It never
// submits transactions.
package mcpbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"go.uber.org/zap"
)

// Protocol revisions the bridge speaks, newest first. An initialize naming one
// of these is echoed back; anything else gets the newest.
var protocolVersions = []string{"2025-03-26", "2024-11-05"}

// Version is reported as serverInfo.version.
var Version = "0.1.0"

const serverName = "provider-ledger"

// maxMessage bounds one inbound line.
const maxMessage = 1 << 20

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is a protocol-level failure. Ledger rejections are not protocol
// failures; they come back as tool results with isError set.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return e.Message }

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Server answers MCP requests one at a time, in arrival order.
type Server struct {
	tools   *ToolRegistry
	out     io.Writer
	logger  *zap.Logger
	methods map[string]func(context.Context, json.RawMessage) (any, error)
}

// NewServer creates a Server that writes responses to w. logger must not
// write to w.
func NewServer(w io.Writer, tools *ToolRegistry, logger *zap.Logger) *Server {
	s := &Server{tools: tools, out: w, logger: logger}
	s.methods = map[string]func(context.Context, json.RawMessage) (any, error){
		"initialize": s.initialize,
		"ping":       func(context.Context, json.RawMessage) (any, error) { return struct{}{}, nil },
		"tools/list": func(context.Context, json.RawMessage) (any, error) {
			return map[string]any{"tools": s.tools.Definitions()}, nil
		},
		"tools/call": s.callTool,
	}
	return s
}

// Serve handles messages from r until EOF or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader) error {
	br := bufio.NewReaderSize(r, 64<<10)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := readLine(br)
		if len(line) > 0 {
			s.handle(ctx, line)
		}
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, errLineTooLong):
			s.reply(json.RawMessage(`null`), nil, &rpcError{Code: codeInvalidRequest, Message: err.Error()})
		case err != nil:
			return err
		}
	}
}

var errLineTooLong = fmt.Errorf("message exceeds %d bytes", maxMessage)

// readLine returns the next newline-terminated message without the newline.
// An oversized message is drained and reported as errLineTooLong.
func readLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if len(line)+len(chunk) > maxMessage {
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = br.ReadSlice('\n')
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return nil, errLineTooLong
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
			line = line[:len(line)-1]
		}
		return line, err
	}
}

func (s *Server) handle(ctx context.Context, line []byte) {
	var req rpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.reply(json.RawMessage(`null`), nil, &rpcError{Code: codeParseError, Message: "parse error"})
		return
	}
	if len(req.ID) == 0 {
		s.logger.Debug("notification", zap.String("method", req.Method))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.reply(req.ID, nil, &rpcError{Code: codeInvalidRequest, Message: `expected jsonrpc "2.0" and a method`})
		return
	}

	method, ok := s.methods[req.Method]
	if !ok {
		s.reply(req.ID, nil, &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method})
		return
	}
	start := time.Now()
	result, err := method(ctx, req.Params)
	s.logger.Debug("request handled",
		zap.String("method", req.Method),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	s.reply(req.ID, result, err)
}

func (s *Server) reply(id json.RawMessage, result any, err error) {
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
	if err != nil {
		var re *rpcError
		if !errors.As(err, &re) {
			re = &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		resp.Result, resp.Error = nil, re
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode response", zap.Error(err))
		return
	}
	if _, err := s.out.Write(append(raw, '\n')); err != nil {
		s.logger.Error("write response", zap.Error(err))
	}
}

// initialize negotiates the protocol revision and describes the peer the
// bridge is attached to. An unreachable peer does not fail the handshake.
func (s *Server) initialize(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid initialize params"}
		}
	}
	version := protocolVersions[0]
	if slices.Contains(protocolVersions, in.ProtocolVersion) {
		version = in.ProtocolVersion
	}

	ledger := map[string]any{"readOnly": true, "tools": len(s.tools.Definitions())}
	instructions := "Read-only access to a provider ledger. Use search_providers to find ids, " +
		"then get_provider or provider_history. Tool errors carry a ledger code such as NotFound or InvalidSelector."
	if st, err := s.tools.ledger.LedgerStatus(ctx); err != nil {
		s.logger.Warn("peer status unavailable at initialize", zap.Error(err))
		ledger["reachable"] = false
	} else {
		ledger["reachable"] = true
		ledger["height"] = st.Height
		ledger["historyEntries"] = st.HistoryEntries
		ledger["historyRoot"] = st.HistoryRoot
		instructions += fmt.Sprintf(" The peer is at block height %d with %d history entries.", st.Height, st.HistoryEntries)
	}

	return map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools":        map[string]any{"listChanged": false},
			"experimental": map[string]any{"providerLedger": ledger},
		},
		"serverInfo":   map[string]any{"name": serverName, "version": Version},
		"instructions": instructions,
	}, nil
}

// callTool runs one tool. A ledger rejection is reported in the result with
// its code; only a malformed call or an unknown tool is a protocol error.
func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &in); err != nil || in.Name == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "tools/call needs a tool name"}
	}

	res, err := s.tools.Call(ctx, in.Name, in.Arguments)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}
	s.logger.Info("tool call", zap.String("tool", in.Name), zap.String("code", res.Code))

	out := map[string]any{
		"content": []map[string]any{{"type": "text", "text": res.Text}},
		"isError": res.IsError(),
	}
	if res.IsError() {
		out["structuredContent"] = map[string]string{"code": res.Code, "message": res.Text}
	}
	return out, nil
}

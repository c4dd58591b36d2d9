// Package processor implements the Transaction Processor: the deterministic
// provider-ledger contract.
//
// Write operations execute against the live State Store through a TxContext
// and produce a read-set and write-set; they never modify state themselves.
// Given the same transaction id, timestamp, arguments and State Store
// contents, every peer produces byte-identical write-sets.
//
// Read operations answer directly from the State Store, Index or History Log
// and are never ordered.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/jmerrifield20/providerledger/internal/history"
	"github.com/jmerrifield20/providerledger/internal/index"
	"github.com/jmerrifield20/providerledger/internal/ledger/model"
	"github.com/jmerrifield20/providerledger/internal/statestore"
	"go.uber.org/zap"
)

// Operation names.
const (
	OpRegister            = "Register"
	OpUpdate              = "Update"
	OpVerify              = "Verify"
	OpSuspend             = "Suspend"
	OpUpdateLicense       = "UpdateLicense"
	OpAddLicense          = "AddLicense"
	OpRestartVerification = "RestartVerification"
	OpCorrectIdentity     = "CorrectIdentity"
	OpReactivate          = "Reactivate"
	OpDeactivate          = "Deactivate"
	OpArchive             = "Archive"

	OpGet              = "Get"
	OpSearchByCriteria = "SearchByCriteria"
	OpGetHistory       = "GetHistory"
	OpStatistics       = "Statistics"
	OpVerifyHistory    = "VerifyHistory"
)

// Invocation is one write operation to execute.
type Invocation struct {
	TxID      string
	Op        string
	Args      json.RawMessage
	Timestamp time.Time
}

// Execution is the outcome of executing a write operation: the value to
// return to the caller once committed, and the proposal parts.
type Execution struct {
	Result any
	Reads  []statestore.Read
	Writes []statestore.Write
}

// HeightWaiter reports when derived views have caught up with a block.
type HeightWaiter interface {
	WaitForHeight(ctx context.Context, height uint64) error
}

type writeFunc func(p *Processor, tx *TxContext, args json.RawMessage) (any, error)
type readFunc func(p *Processor, ctx context.Context, args json.RawMessage) (any, error)

var writeOps = map[string]writeFunc{
	OpRegister:            (*Processor).register,
	OpUpdate:              (*Processor).update,
	OpVerify:              (*Processor).verify,
	OpSuspend:             (*Processor).suspend,
	OpUpdateLicense:       (*Processor).updateLicense,
	OpAddLicense:          (*Processor).addLicense,
	OpRestartVerification: (*Processor).restartVerification,
	OpCorrectIdentity:     (*Processor).correctIdentity,
	OpReactivate:          (*Processor).reactivate,
	OpDeactivate:          (*Processor).deactivate,
	OpArchive:             (*Processor).archive,
}

var readOps = map[string]readFunc{
	OpGet:              (*Processor).get,
	OpSearchByCriteria: (*Processor).searchByCriteria,
	OpGetHistory:       (*Processor).getHistory,
	OpStatistics:       (*Processor).statistics,
	OpVerifyHistory:    (*Processor).verifyHistory,
}

// IsWrite reports whether op is a write operation.
func IsWrite(op string) bool {
	_, ok := writeOps[op]
	return ok
}

// IsRead reports whether op is a read operation.
func IsRead(op string) bool {
	_, ok := readOps[op]
	return ok
}

// Operations returns every operation name, sorted.
func Operations() []string {
	out := make([]string, 0, len(writeOps)+len(readOps))
	for op := range writeOps {
		out = append(out, op)
	}
	for op := range readOps {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// Processor executes contract operations.
type Processor struct {
	store   statestore.Store
	index   *index.Index
	history history.Log
	waiter  HeightWaiter
	logger  *zap.Logger
}

// New creates a Processor.
func New(store statestore.Store, idx *index.Index, log history.Log, logger *zap.Logger) *Processor {
	return &Processor{store: store, index: idx, history: log, logger: logger}
}

// SetHeightWaiter makes GetHistory wait for the History Log to reach the
// block that wrote a key's current version.
func (p *Processor) SetHeightWaiter(w HeightWaiter) { p.waiter = w }

// Execute runs a write operation and returns its read-set and write-set.
// A failed execution proposes nothing.
func (p *Processor) Execute(ctx context.Context, inv Invocation) (*Execution, error) {
	fn, ok := writeOps[inv.Op]
	if !ok {
		return nil, model.Errorf(model.CodeInvalidInput, "unknown write operation %q", inv.Op)
	}
	tx := newTxContext(ctx, p.store, inv.TxID, inv.Timestamp)
	result, err := fn(p, tx, inv.Args)
	if err != nil {
		return nil, err
	}
	return &Execution{Result: result, Reads: tx.ReadSet(), Writes: tx.WriteSet()}, nil
}

// Query runs a read operation.
func (p *Processor) Query(ctx context.Context, op string, args json.RawMessage) (any, error) {
	fn, ok := readOps[op]
	if !ok {
		return nil, model.Errorf(model.CodeInvalidInput, "unknown read operation %q", op)
	}
	return fn(p, ctx, args)
}

// decodeArgs strictly decodes an operation payload.
func decodeArgs(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return model.Errorf(model.CodeInvalidInput, "malformed arguments: %v", err)
	}
	if dec.More() {
		return model.Errorf(model.CodeInvalidInput, "malformed arguments: trailing data")
	}
	return nil
}

func checkID(id string) error {
	if id == "" {
		return model.Errorf(model.CodeInvalidInput, "id is required")
	}
	if !model.ValidID(id) {
		return model.Errorf(model.CodeInvalidInput, "malformed id %q", id)
	}
	return nil
}

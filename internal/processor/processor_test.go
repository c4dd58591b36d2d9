package processor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/providerledger/internal/history"
	"github.com/jmerrifield20/providerledger/internal/index"
	"github.com/jmerrifield20/providerledger/internal/ledger/model"
	"github.com/jmerrifield20/providerledger/internal/processor"
	"github.com/jmerrifield20/providerledger/internal/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// ledger executes operations and applies their write-sets one per block,
// folding the results into the Index and History Log synchronously.
type ledger struct {
	t      *testing.T
	store  *statestore.MemoryStore
	index  *index.Index
	log    *history.MemoryLog
	proc   *processor.Processor
	height uint64
}

func newLedger(t *testing.T) *ledger {
	t.Helper()
	l := &ledger{
		t:     t,
		store: statestore.NewMemoryStore(),
		index: index.New(zap.NewNop()),
		log:   history.NewMemoryLog(),
	}
	l.proc = processor.New(l.store, l.index, l.log, zap.NewNop())
	return l
}

func (l *ledger) execute(op string, args any) (*processor.Execution, error) {
	raw, err := json.Marshal(args)
	require.NoError(l.t, err)
	return l.proc.Execute(context.Background(), processor.Invocation{
		TxID:      fmt.Sprintf("tx-%d", l.height+1),
		Op:        op,
		Args:      raw,
		Timestamp: epoch.Add(time.Duration(l.height) * time.Minute),
	})
}

func (l *ledger) commit(exec *processor.Execution) error {
	ctx := context.Background()
	l.height++
	values, err := l.store.Apply(ctx, &statestore.Batch{
		TxID:      fmt.Sprintf("tx-%d", l.height),
		Height:    l.height,
		Timestamp: epoch,
		Reads:     exec.Reads,
		Writes:    exec.Writes,
	})
	if err != nil {
		return err
	}
	for _, v := range values {
		require.NoError(l.t, l.index.Upsert(v.Key, v.Version, v.Value, v.Deleted))
		_, err := l.log.Append(ctx, history.Record{
			Key: v.Key, Version: v.Version, TxID: v.TxID, BlockHeight: v.BlockHeight,
			Timestamp: v.Timestamp, IsDelete: v.Deleted, Value: v.Value,
		})
		require.NoError(l.t, err)
	}
	l.index.SetHeight(l.height)
	return nil
}

// invoke executes and commits op, returning the resulting provider.
func (l *ledger) invoke(op string, args any) (*model.Provider, error) {
	exec, err := l.execute(op, args)
	if err != nil {
		return nil, err
	}
	if err := l.commit(exec); err != nil {
		return nil, err
	}
	prov, _ := exec.Result.(*model.Provider)
	return prov, nil
}

func (l *ledger) mustInvoke(op string, args any) *model.Provider {
	l.t.Helper()
	prov, err := l.invoke(op, args)
	require.NoError(l.t, err)
	return prov
}

func (l *ledger) get(id string) *model.Provider {
	l.t.Helper()
	out, err := l.proc.Query(context.Background(), processor.OpGet, json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)))
	require.NoError(l.t, err)
	return out.(*model.Provider)
}

func (l *ledger) version(key string) uint64 {
	v, err := l.store.Version(context.Background(), key)
	require.NoError(l.t, err)
	return v
}

func physician(id string) map[string]any {
	return map[string]any{
		"id":           id,
		"email":        id + "@clinic.example",
		"firstName":    "Ada",
		"lastName":     "Okafor",
		"providerType": "PHYSICIAN",
		"licenses": []map[string]any{
			{"number": "MD-1", "issuingAuthority": "State Medical Board"},
		},
	}
}

func requireCode(t *testing.T, err error, code model.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, model.CodeOf(err), err.Error())
}

func TestVerificationScenario(t *testing.T) {
	l := newLedger(t)

	l.mustInvoke(processor.OpRegister, physician("P1"))
	assert.Equal(t, model.VerificationPending, l.get("P1").VerificationStatus)

	l.mustInvoke(processor.OpVerify, map[string]any{"id": "P1", "target": "IN_PROGRESS"})

	_, err := l.invoke(processor.OpVerify, map[string]any{"id": "P1", "target": "SUSPENDED"})
	requireCode(t, err, model.CodeInvalidTransition)
	assert.Equal(t, model.VerificationInProgress, l.get("P1").VerificationStatus)

	l.mustInvoke(processor.OpVerify, map[string]any{"id": "P1", "target": "VERIFIED", "notes": "board confirmed"})

	out, err := l.proc.Query(context.Background(), processor.OpGetHistory, json.RawMessage(`{"id":"P1"}`))
	require.NoError(t, err)
	hist := out.(*processor.HistoryResult)
	require.Len(t, hist.Entries, 3)

	want := []model.VerificationStatus{model.VerificationPending, model.VerificationInProgress, model.VerificationVerified}
	for i, e := range hist.Entries {
		var p model.Provider
		require.NoError(t, json.Unmarshal(e.Value, &p))
		assert.Equal(t, want[i], p.VerificationStatus)
		assert.Equal(t, uint64(i+1), e.Version)
		assert.False(t, e.IsDelete)
	}
	assert.Equal(t, "board confirmed", l.get("P1").Metadata["verification.note.1"])
}

func TestRegister(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		l := newLedger(t)
		p := l.mustInvoke(processor.OpRegister, physician("P1"))
		assert.Equal(t, model.ProviderStatusActive, p.Status)
		assert.Equal(t, epoch, p.CreatedAt)
		assert.Equal(t, p.CreatedAt, p.UpdatedAt)
		require.Len(t, p.Licenses, 1)
		assert.Equal(t, model.LicenseStatusActive, p.Licenses[0].Status)
		assert.NotEmpty(t, p.Licenses[0].ID)
		assert.NotNil(t, p.Specialties)
		assert.NotNil(t, p.Metadata)
	})

	t.Run("duplicate id", func(t *testing.T) {
		l := newLedger(t)
		l.mustInvoke(processor.OpRegister, physician("P1"))
		_, err := l.invoke(processor.OpRegister, physician("P1"))
		requireCode(t, err, model.CodeAlreadyExists)
		assert.Equal(t, uint64(1), l.version("P1"))
	})

	t.Run("generated id", func(t *testing.T) {
		l := newLedger(t)
		args := physician("")
		delete(args, "id")
		p := l.mustInvoke(processor.OpRegister, args)
		assert.True(t, model.ValidID(p.ID))
		assert.Equal(t, p.ID, l.get(p.ID).ID)
	})

	for name, mutate := range map[string]func(map[string]any){
		"missing first name":    func(a map[string]any) { delete(a, "firstName") },
		"missing provider type": func(a map[string]any) { delete(a, "providerType") },
		"unknown provider type": func(a map[string]any) { a["providerType"] = "WIZARD" },
		"bad email":             func(a map[string]any) { a["email"] = "nobody" },
		"bad date":              func(a map[string]any) { a["dateOfBirth"] = "01/02/1980" },
		"unknown field":         func(a map[string]any) { a["shoeSize"] = 11 },
		"malformed id":          func(a map[string]any) { a["id"] = "has space" },
		"license without number": func(a map[string]any) {
			a["licenses"] = []map[string]any{{"issuingAuthority": "Board"}}
		},
	} {
		t.Run(name, func(t *testing.T) {
			l := newLedger(t)
			args := physician("P1")
			mutate(args)
			_, err := l.invoke(processor.OpRegister, args)
			requireCode(t, err, model.CodeInvalidInput)
			assert.Zero(t, l.height)
		})
	}
}

func TestRegister_didClaimedOnce(t *testing.T) {
	l := newLedger(t)

	a := physician("P1")
	a["did"] = "did:example:123"
	l.mustInvoke(processor.OpRegister, a)
	assert.Equal(t, uint64(1), l.version(processor.DIDKeyPrefix+"did:example:123"))

	b := physician("P2")
	b["did"] = "did:example:123"
	_, err := l.invoke(processor.OpRegister, b)
	requireCode(t, err, model.CodeAlreadyExists)
	assert.Zero(t, l.version("P2"))
}

func TestExecute_deterministic(t *testing.T) {
	run := func() *processor.Execution {
		l := newLedger(t)
		args := physician("")
		delete(args, "id")
		args["specialties"] = []map[string]any{{"code": "207R00000X", "name": "Internal Medicine"}}
		exec, err := l.execute(processor.OpRegister, args)
		require.NoError(t, err)
		return exec
	}
	first, second := run(), run()
	assert.Equal(t, first.Writes, second.Writes)
	assert.Equal(t, first.Reads, second.Reads)
}

func TestUpdate(t *testing.T) {
	l := newLedger(t)
	l.mustInvoke(processor.OpRegister, physician("P1"))

	for _, field := range []string{"id", "createdAt", "verificationStatus", "status", "providerType", "firstName"} {
		t.Run("protected "+field, func(t *testing.T) {
			_, err := l.invoke(processor.OpUpdate, map[string]any{
				"id":      "P1",
				"changes": map[string]any{field: "VERIFIED"},
			})
			requireCode(t, err, model.CodeImmutableFieldViolation)
			assert.Equal(t, uint64(1), l.version("P1"))
		})
	}

	_, err := l.invoke(processor.OpUpdate, map[string]any{"id": "P1", "changes": map[string]any{"licenses": []any{}}})
	requireCode(t, err, model.CodeInvalidInput)

	_, err = l.invoke(processor.OpUpdate, map[string]any{"id": "P9", "changes": map[string]any{"email": "a@b"}})
	requireCode(t, err, model.CodeNotFound)

	p := l.mustInvoke(processor.OpUpdate, map[string]any{
		"id": "P1",
		"changes": map[string]any{
			"email":    "new@clinic.example",
			"metadata": map[string]string{"region": "north"},
		},
	})
	assert.Equal(t, "new@clinic.example", p.Email)
	assert.Equal(t, "north", p.Metadata["region"])
	assert.Equal(t, model.VerificationPending, p.VerificationStatus)
	assert.True(t, p.UpdatedAt.After(p.CreatedAt))

	p = l.mustInvoke(processor.OpUpdate, map[string]any{
		"id":      "P1",
		"changes": map[string]any{"metadata": map[string]string{"region": ""}},
	})
	assert.NotContains(t, p.Metadata, "region")
}

func TestUpdate_did(t *testing.T) {
	l := newLedger(t)
	l.mustInvoke(processor.OpRegister, physician("P1"))

	p := l.mustInvoke(processor.OpUpdate, map[string]any{"id": "P1", "changes": map[string]any{"did": "did:example:9"}})
	assert.Equal(t, "did:example:9", p.DID)

	_, err := l.invoke(processor.OpUpdate, map[string]any{"id": "P1", "changes": map[string]any{"did": "did:example:10"}})
	requireCode(t, err, model.CodeImmutableFieldViolation)
}

func TestVerify_transitions(t *testing.T) {
	l := newLedger(t)
	l.mustInvoke(processor.OpRegister, physician("P1"))

	_, err := l.invoke(processor.OpVerify, map[string]any{"id": "P1", "target": "SUSPENDED"})
	requireCode(t, err, model.CodeInvalidTransition)
	_, err = l.invoke(processor.OpVerify, map[string]any{"id": "P1", "target": "DONE"})
	requireCode(t, err, model.CodeInvalidInput)
	_, err = l.invoke(processor.OpVerify, map[string]any{"id": "P2", "target": "IN_PROGRESS"})
	requireCode(t, err, model.CodeNotFound)

	for _, target := range []string{"IN_PROGRESS", "VERIFIED", "SUSPENDED", "VERIFIED", "EXPIRED"} {
		l.mustInvoke(processor.OpVerify, map[string]any{"id": "P1", "target": target, "verifier": "auditor"})
	}
	p := l.get("P1")
	assert.Equal(t, model.VerificationExpired, p.VerificationStatus)
	assert.Equal(t, "auditor", p.Metadata["verification.by.5"])

	_, err = l.invoke(processor.OpVerify, map[string]any{"id": "P1", "target": "VERIFIED"})
	requireCode(t, err, model.CodeInvalidTransition)

	p = l.mustInvoke(processor.OpRestartVerification, map[string]any{"id": "P1", "reason": "renewed"})
	assert.Equal(t, model.VerificationPending, p.VerificationStatus)
	assert.Equal(t, "renewed", p.Metadata["verification.restart.1"])

	_, err = l.invoke(processor.OpRestartVerification, map[string]any{"id": "P1"})
	requireCode(t, err, model.CodeInvalidTransition)
}

func TestAnnotations_bounded(t *testing.T) {
	l := newLedger(t)
	l.mustInvoke(processor.OpRegister, physician("P1"))
	long := strings.Repeat("n", model.MaxMetadataValueLen+1)

	_, err := l.invoke(processor.OpVerify, map[string]any{"id": "P1", "target": "IN_PROGRESS", "notes": long})
	requireCode(t, err, model.CodeInvalidInput)
	_, err = l.invoke(processor.OpVerify, map[string]any{"id": "P1", "target": "IN_PROGRESS", "verifier": long})
	requireCode(t, err, model.CodeInvalidInput)
	_, err = l.invoke(processor.OpSuspend, map[string]any{"id": "P1", "reason": long})
	requireCode(t, err, model.CodeInvalidInput)
	_, err = l.invoke(processor.OpDeactivate, map[string]any{"id": "P1", "note": long})
	requireCode(t, err, model.CodeInvalidInput)
	_, err = l.invoke(processor.OpCorrectIdentity, map[string]any{"id": "P1", "lastName": "Eze", "reason": long})
	requireCode(t, err, model.CodeInvalidInput)
	assert.Equal(t, uint64(1), l.version("P1"))

	// A note at the limit is stored and does not block later metadata edits.
	l.mustInvoke(processor.OpVerify, map[string]any{
		"id": "P1", "target": "IN_PROGRESS", "notes": long[:model.MaxMetadataValueLen],
	})
	p := l.mustInvoke(processor.OpUpdate, map[string]any{
		"id": "P1", "changes": map[string]any{"metadata": map[string]string{"region": "north"}},
	})
	assert.Equal(t, "north", p.Metadata["region"])
	assert.Len(t, p.Metadata["verification.note.1"], model.MaxMetadataValueLen)
}

func TestUpdate_metadataCountsCallerKeysOnly(t *testing.T) {
	l := newLedger(t)
	l.mustInvoke(processor.OpRegister, physician("P1"))
	l.mustInvoke(processor.OpVerify, map[string]any{"id": "P1", "target": "IN_PROGRESS", "notes": "received"})

	full := model.Metadata{}
	for i := 0; i < model.MaxMetadataKeys; i++ {
		full[fmt.Sprintf("k%02d", i)] = "v"
	}
	p := l.mustInvoke(processor.OpUpdate, map[string]any{"id": "P1", "changes": map[string]any{"metadata": full}})
	assert.Len(t, p.Metadata, model.MaxMetadataKeys+1)

	_, err := l.invoke(processor.OpUpdate, map[string]any{
		"id": "P1", "changes": map[string]any{"metadata": map[string]string{"one-more": "v"}},
	})
	requireCode(t, err, model.CodeInvalidInput)

	_, err = l.invoke(processor.OpUpdate, map[string]any{
		"id": "P1", "changes": map[string]any{"metadata": map[string]string{"region": strings.Repeat("x", model.MaxMetadataValueLen+1)}},
	})
	requireCode(t, err, model.CodeInvalidInput)

	_, err = l.invoke(processor.OpUpdate, map[string]any{
		"id": "P1", "changes": map[string]any{"metadata": map[string]string{"verification.note.9": "forged"}},
	})
	requireCode(t, err, model.CodeInvalidInput)
}

func TestVerify_noteNumberingSurvivesDeletion(t *testing.T) {
	l := newLedger(t)
	l.mustInvoke(processor.OpRegister, physician("P1"))
	l.mustInvoke(processor.OpVerify, map[string]any{"id": "P1", "target": "IN_PROGRESS", "notes": "first"})
	l.mustInvoke(processor.OpVerify, map[string]any{"id": "P1", "target": "VERIFIED", "notes": "second"})

	l.mustInvoke(processor.OpUpdate, map[string]any{
		"id": "P1", "changes": map[string]any{"metadata": map[string]string{"verification.note.1": ""}},
	})
	p := l.mustInvoke(processor.OpVerify, map[string]any{"id": "P1", "target": "SUSPENDED", "notes": "third"})

	assert.NotContains(t, p.Metadata, "verification.note.1")
	assert.Equal(t, "second", p.Metadata["verification.note.2"])
	assert.Equal(t, "third", p.Metadata["verification.note.3"])
}

func TestAdministrativeStatus(t *testing.T) {
	l := newLedger(t)
	l.mustInvoke(processor.OpRegister, physician("P1"))

	p := l.mustInvoke(processor.OpSuspend, map[string]any{"id": "P1", "reason": "complaint"})
	assert.Equal(t, model.ProviderStatusSuspended, p.Status)
	assert.Equal(t, "complaint", p.Metadata[model.MetaSuspensionReason])

	_, err := l.invoke(processor.OpDeactivate, map[string]any{"id": "P1"})
	requireCode(t, err, model.CodeInvalidTransition)

	p = l.mustInvoke(processor.OpReactivate, map[string]any{"id": "P1", "note": "cleared"})
	assert.Equal(t, model.ProviderStatusActive, p.Status)
	assert.NotContains(t, p.Metadata, model.MetaSuspensionReason)
	assert.Equal(t, "cleared", p.Metadata[model.MetaAdministrativeNote])

	l.mustInvoke(processor.OpArchive, map[string]any{"id": "P1"})
	before := l.version("P1")

	for op, args := range map[string]any{
		processor.OpSuspend:    map[string]any{"id": "P1", "reason": "x"},
		processor.OpReactivate: map[string]any{"id": "P1"},
		processor.OpVerify:     map[string]any{"id": "P1", "target": "IN_PROGRESS"},
		processor.OpUpdate:     map[string]any{"id": "P1", "changes": map[string]any{"email": "a@b"}},
	} {
		_, err := l.invoke(op, args)
		requireCode(t, err, model.CodeInvalidTransition)
	}
	assert.Equal(t, before, l.version("P1"))

	_, err = l.invoke(processor.OpRegister, physician("P1"))
	requireCode(t, err, model.CodeAlreadyExists)
}

func TestLicenses(t *testing.T) {
	l := newLedger(t)
	p := l.mustInvoke(processor.OpRegister, physician("P1"))
	licID := p.Licenses[0].ID

	p = l.mustInvoke(processor.OpUpdateLicense, map[string]any{
		"id": "P1",
		"license": map[string]any{
			"id": licID, "number": "MD-1", "issuingAuthority": "State Medical Board",
			"expiryDate": "2030-01-01",
		},
	})
	assert.Equal(t, "2030-01-01", p.Licenses[0].ExpiryDate)
	assert.Equal(t, model.LicenseStatusActive, p.Licenses[0].Status)

	_, err := l.invoke(processor.OpUpdateLicense, map[string]any{
		"id":      "P1",
		"license": map[string]any{"id": "nope", "number": "X", "issuingAuthority": "Y"},
	})
	requireCode(t, err, model.CodeNotFound)

	p = l.mustInvoke(processor.OpAddLicense, map[string]any{
		"id":      "P1",
		"license": map[string]any{"id": "DEA-7", "number": "DEA-7", "issuingAuthority": "DEA", "status": "PENDING_RENEWAL"},
	})
	require.Len(t, p.Licenses, 2)
	assert.Equal(t, model.LicenseStatusPendingRenewal, p.Licenses[1].Status)

	_, err = l.invoke(processor.OpAddLicense, map[string]any{
		"id":      "P1",
		"license": map[string]any{"id": "DEA-7", "number": "DEA-7", "issuingAuthority": "DEA"},
	})
	requireCode(t, err, model.CodeAlreadyExists)
}

func TestCorrectIdentity(t *testing.T) {
	l := newLedger(t)
	l.mustInvoke(processor.OpRegister, physician("P1"))

	_, err := l.invoke(processor.OpCorrectIdentity, map[string]any{"id": "P1", "lastName": "Okafor-Reyes"})
	requireCode(t, err, model.CodeInvalidInput)

	p := l.mustInvoke(processor.OpCorrectIdentity, map[string]any{
		"id": "P1", "lastName": "Okafor-Reyes", "providerType": "SPECIALIST", "reason": "marriage",
	})
	assert.Equal(t, "Okafor-Reyes", p.LastName)
	assert.Equal(t, "Ada", p.FirstName)
	assert.Equal(t, model.ProviderTypeSpecialist, p.ProviderType)
	assert.Equal(t, "marriage", p.Metadata["correction.reason.1"])
}

func TestConflictRejection(t *testing.T) {
	l := newLedger(t)
	l.mustInvoke(processor.OpRegister, physician("P1"))

	first, err := l.execute(processor.OpVerify, map[string]any{"id": "P1", "target": "IN_PROGRESS"})
	require.NoError(t, err)
	second, err := l.execute(processor.OpUpdate, map[string]any{"id": "P1", "changes": map[string]any{"email": "x@y"}})
	require.NoError(t, err)

	require.NoError(t, l.commit(first))
	err = l.commit(second)
	var conflict *statestore.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "P1", conflict.Key)
	assert.Equal(t, uint64(1), conflict.Expected)
	assert.Equal(t, uint64(2), conflict.Actual)

	p := l.mustInvoke(processor.OpUpdate, map[string]any{"id": "P1", "changes": map[string]any{"email": "x@y"}})
	assert.Equal(t, "x@y", p.Email)
	assert.Equal(t, model.VerificationInProgress, p.VerificationStatus)
	assert.Equal(t, uint64(3), l.version("P1"))
}

func TestQueries(t *testing.T) {
	l := newLedger(t)
	for _, id := range []string{"P3", "P1", "P2"} {
		l.mustInvoke(processor.OpRegister, physician(id))
	}
	l.mustInvoke(processor.OpVerify, map[string]any{"id": "P2", "target": "IN_PROGRESS"})
	ctx := context.Background()

	out, err := l.proc.Query(ctx, processor.OpSearchByCriteria,
		json.RawMessage(`{"selector":{"field":"verificationStatus","op":"eq","value":"PENDING"}}`))
	require.NoError(t, err)
	res := out.(*index.SearchResult)
	require.Equal(t, 2, res.Total)
	var first model.Provider
	require.NoError(t, json.Unmarshal(res.Providers[0], &first))
	assert.Equal(t, "P1", first.ID)

	_, err = l.proc.Query(ctx, processor.OpSearchByCriteria, json.RawMessage(`{"selector":{"field":"ssn","op":"eq","value":"1"}}`))
	requireCode(t, err, model.CodeInvalidSelector)

	out, err = l.proc.Query(ctx, processor.OpStatistics, nil)
	require.NoError(t, err)
	stats := out.(*index.Statistics)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.ByProviderType["PHYSICIAN"])
	assert.Equal(t, 1, stats.ByVerificationStatus["IN_PROGRESS"])

	out, err = l.proc.Query(ctx, processor.OpVerifyHistory, nil)
	require.NoError(t, err)
	report := out.(*processor.IntegrityReport)
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.Entries)

	_, err = l.proc.Query(ctx, processor.OpGet, json.RawMessage(`{"id":"P9"}`))
	requireCode(t, err, model.CodeNotFound)
	_, err = l.proc.Query(ctx, processor.OpGetHistory, json.RawMessage(`{"id":"P9"}`))
	requireCode(t, err, model.CodeNotFound)
	_, err = l.proc.Query(ctx, "Drop", nil)
	requireCode(t, err, model.CodeInvalidInput)
}

package client_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/jmerrifield20/providerledger/pkg/client"
)

// ── Stub server ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func provider(id, verification string) map[string]any {
	return map[string]any{
		"id":                 id,
		"email":              "ada@example.org",
		"firstName":          "Ada",
		"lastName":           "Lovelace",
		"providerType":       "PHYSICIAN",
		"verificationStatus": verification,
		"status":             "ACTIVE",
		"metadata":           map[string]string{},
	}
}

func stubLedgerServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/invoke/{op}", func(w http.ResponseWriter, r *http.Request) {
		var args map[string]any
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &args)

		switch r.PathValue("op") {
		case client.OpRegister:
			if args["id"] == "dup" {
				writeJSON(w, http.StatusConflict, map[string]string{"code": "AlreadyExists", "message": "provider dup already exists"})
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"txId": "tx-1", "blockHeight": 1, "result": provider("P1", "PENDING")})
		case client.OpVerify:
			if args["target"] == "VERIFIED" {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"code": "InvalidTransition", "message": "PENDING -> VERIFIED"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"txId": "tx-2", "blockHeight": 2, "result": provider("P1", args["target"].(string))})
		case client.OpCorrectIdentity:
			if args["id"] != "P1" || args["reason"] != "typo" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"code": "InvalidInput", "message": "bad args"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"result": provider("P1", "PENDING")})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": "InvalidInput", "message": "unknown operation"})
		}
	})

	mux.HandleFunc("GET /api/v1/providers/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "P1" {
			writeJSON(w, http.StatusNotFound, map[string]string{"code": "NotFound", "message": "provider not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": provider("P1", "VERIFIED")})
	})

	mux.HandleFunc("GET /api/v1/providers/{id}/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"result": map[string]any{
			"id": "P1",
			"entries": []map[string]any{
				{"index": 1, "key": "P1", "version": 1, "transactionId": "tx-1", "value": provider("P1", "PENDING")},
				{"index": 2, "key": "P1", "version": 2, "transactionId": "tx-2", "value": provider("P1", "IN_PROGRESS")},
			},
		}})
	})

	mux.HandleFunc("POST /api/v1/providers/search", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Selector *client.Selector `json:"selector"`
			Limit    int              `json:"limit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Selector == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": "InvalidSelector", "message": "selector required"})
			return
		}
		if len(req.Selector.And) != 2 || req.Selector.And[0].Field != "verificationStatus" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": "InvalidSelector", "message": "unexpected selector"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": map[string]any{
			"providers": []any{provider("P1", "VERIFIED")},
			"total":     3,
			"limit":     req.Limit,
		}})
	})

	mux.HandleFunc("GET /api/v1/statistics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"result": map[string]any{
			"byVerificationStatus": map[string]int{"VERIFIED": 1},
			"total":                1,
			"height":               4,
		}})
	})

	mux.HandleFunc("GET /api/v1/ledger", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"height": 4, "projectedHeight": 4, "historyEntries": 5, "historyRoot": "abc"})
	})

	mux.HandleFunc("GET /api/v1/ledger/verify", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "entries": 5, "root": "abc", "error": "entry 3 tampered"})
	})

	mux.HandleFunc("GET /api/v1/ledger/entries/{idx}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("idx") != "0" {
			writeJSON(w, http.StatusNotFound, map[string]string{"code": "NotFound", "message": "no entry"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"index": 0, "key": "", "hash": "genesis"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestNew_invalidOptions(t *testing.T) {
	if _, err := client.New("http://localhost", client.WithTimeout(0)); err == nil {
		t.Error("expected error for zero timeout")
	}
	if _, err := client.New("http://localhost", client.WithStaleReadRetries(-1)); err == nil {
		t.Error("expected error for negative retries")
	}
}

func TestRegister_success(t *testing.T) {
	srv := stubLedgerServer(t)
	c := client.MustNew(srv.URL)

	p, err := c.Register(context.Background(), &client.Registration{
		Email: "ada@example.org", FirstName: "Ada", LastName: "Lovelace", ProviderType: "PHYSICIAN",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if p.ID != "P1" || p.VerificationStatus != client.VerificationPending {
		t.Errorf("got %s/%s, want P1/PENDING", p.ID, p.VerificationStatus)
	}
}

func TestRegister_alreadyExists(t *testing.T) {
	srv := stubLedgerServer(t)
	c := client.MustNew(srv.URL)

	_, err := c.Register(context.Background(), &client.Registration{ID: "dup"})
	var apiErr *client.APIError
	if !asAPIError(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != client.CodeAlreadyExists {
		t.Errorf("got %d %s, want 409 AlreadyExists", apiErr.StatusCode, apiErr.Code)
	}
	if apiErr.Retryable() {
		t.Error("AlreadyExists must not be retryable")
	}
}

func TestInvoke_receipt(t *testing.T) {
	srv := stubLedgerServer(t)
	c := client.MustNew(srv.URL)

	var p client.Provider
	receipt, err := c.Invoke(context.Background(), client.OpVerify,
		map[string]string{"id": "P1", "target": "IN_PROGRESS"}, &p)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if receipt.TxID != "tx-2" || receipt.BlockHeight != 2 {
		t.Errorf("receipt = %+v", receipt)
	}
	if p.VerificationStatus != client.VerificationInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", p.VerificationStatus)
	}
}

func TestVerify_invalidTransition(t *testing.T) {
	srv := stubLedgerServer(t)
	c := client.MustNew(srv.URL)

	_, err := c.Verify(context.Background(), "P1", client.VerificationVerified, "", "")
	if got := client.CodeOf(err); got != client.CodeInvalidTransition {
		t.Errorf("CodeOf = %q, want InvalidTransition", got)
	}
}

func TestCorrectIdentity_flattensArgs(t *testing.T) {
	srv := stubLedgerServer(t)
	c := client.MustNew(srv.URL)

	_, err := c.CorrectIdentity(context.Background(), "P1", client.IdentityCorrection{LastName: "Byron", Reason: "typo"})
	if err != nil {
		t.Fatalf("CorrectIdentity: %v", err)
	}
}

func TestStaleReadRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			writeJSON(w, http.StatusConflict, map[string]string{"code": "StaleRead", "message": "read conflict on P1"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"txId": "tx-3", "result": provider("P1", "PENDING")})
	}))
	defer srv.Close()

	_, err := client.MustNew(srv.URL, client.WithStaleReadRetries(1)).Suspend(context.Background(), "P1", "audit")
	if client.CodeOf(err) != client.CodeStaleRead {
		t.Fatalf("expected StaleRead after exhausting retries, got %v", err)
	}

	calls.Store(0)
	if _, err := client.MustNew(srv.URL, client.WithStaleReadRetries(2)).Suspend(context.Background(), "P1", "audit"); err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestGet(t *testing.T) {
	srv := stubLedgerServer(t)
	c := client.MustNew(srv.URL)

	p, err := c.Get(context.Background(), "P1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.VerificationStatus != client.VerificationVerified {
		t.Errorf("status = %s", p.VerificationStatus)
	}

	_, err = c.Get(context.Background(), "P404")
	if client.CodeOf(err) != client.CodeNotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestHistory(t *testing.T) {
	srv := stubLedgerServer(t)
	c := client.MustNew(srv.URL)

	entries, err := c.History(context.Background(), "P1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	p, err := entries[1].Provider()
	if err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if p.VerificationStatus != client.VerificationInProgress {
		t.Errorf("entry 2 status = %s", p.VerificationStatus)
	}
}

func TestSearch(t *testing.T) {
	srv := stubLedgerServer(t)
	c := client.MustNew(srv.URL)

	res, err := c.Search(context.Background(), client.And(
		client.Eq("verificationStatus", client.VerificationVerified),
		client.Not(client.Eq("providerType", "NURSE")),
	), 1, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Total != 3 || len(res.Providers) != 1 || res.Limit != 1 {
		t.Errorf("result = %+v", res)
	}

	_, err = c.Search(context.Background(), nil, 0, 0)
	if client.CodeOf(err) != client.CodeInvalidSelector {
		t.Errorf("expected InvalidSelector from stub, got %v", err)
	}
}

func TestStatisticsAndLedger(t *testing.T) {
	srv := stubLedgerServer(t)
	c := client.MustNew(srv.URL)
	ctx := context.Background()

	stats, err := c.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.ByVerificationStatus["VERIFIED"] != 1 || stats.Height != 4 {
		t.Errorf("stats = %+v", stats)
	}

	status, err := c.LedgerStatus(ctx)
	if err != nil {
		t.Fatalf("LedgerStatus: %v", err)
	}
	if status.HistoryEntries != 5 || status.HistoryRoot != "abc" {
		t.Errorf("status = %+v", status)
	}

	report, err := c.VerifyLedger(ctx)
	if err != nil {
		t.Fatalf("VerifyLedger: %v", err)
	}
	if report.Valid || report.Error == "" {
		t.Errorf("expected invalid report, got %+v", report)
	}

	entry, err := c.LedgerEntry(ctx, 0)
	if err != nil {
		t.Fatalf("LedgerEntry: %v", err)
	}
	if entry.Hash != "genesis" {
		t.Errorf("hash = %s", entry.Hash)
	}
	if _, err := c.LedgerEntry(ctx, 9); client.CodeOf(err) != client.CodeNotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := client.MustNew(srv.URL).Get(context.Background(), "P1")
	var apiErr *client.APIError
	if !asAPIError(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != client.CodeInternal || apiErr.Message != "bad gateway" {
		t.Errorf("got %+v", apiErr)
	}
}

func asAPIError(err error, target **client.APIError) bool {
	e, ok := err.(*client.APIError)
	if ok {
		*target = e
	}
	return ok
}

package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmerrifield20/providerledger/pkg/client"
)

// ToolDefinition is the MCP tool descriptor sent in tools/list responses.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolResult is the outcome of one tool call. Code is empty on success and
// otherwise a ledger error code.
type ToolResult struct {
	Text string
	Code string
}

// IsError reports whether the call was rejected.
func (r *ToolResult) IsError() bool { return r.Code != "" }

func ok(text string) *ToolResult { return &ToolResult{Text: text} }

func invalidf(format string, a ...any) *ToolResult {
	return &ToolResult{Text: fmt.Sprintf(format, a...), Code: client.CodeInvalidInput}
}

// rejected reports a failed peer call under the code the peer returned.
// Transport failures carry no code and are reported as Internal.
func rejected(what string, err error) *ToolResult {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return &ToolResult{Text: what + ": " + apiErr.Message, Code: apiErr.Code}
	}
	return &ToolResult{Text: what + ": " + err.Error(), Code: client.CodeInternal}
}

// ErrUnknownTool is returned by Call for a name not in Definitions.
var ErrUnknownTool = errors.New("unknown tool")

// Ledger is the subset of the ledger client the bridge calls.
type Ledger interface {
	Get(ctx context.Context, id string) (*client.Provider, error)
	Search(ctx context.Context, selector *client.Selector, limit, offset int) (*client.SearchResult, error)
	History(ctx context.Context, id string) ([]client.HistoryEntry, error)
	Statistics(ctx context.Context) (*client.Statistics, error)
	VerifyLedger(ctx context.Context) (*client.IntegrityReport, error)
	LedgerStatus(ctx context.Context) (*client.LedgerStatus, error)
}

// ToolRegistry holds the ledger client and the definitions/handlers for all
// tools.
type ToolRegistry struct {
	ledger Ledger
	defs   []ToolDefinition
}

func idSchema(desc string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string", "description": desc},
		},
		"required": []string{"id"},
	}
}

// NewToolRegistry creates a ToolRegistry backed by the given ledger client.
func NewToolRegistry(l Ledger) *ToolRegistry {
	r := &ToolRegistry{ledger: l}
	r.defs = []ToolDefinition{
		{
			Name: "get_provider",
			Description: "Fetch the current committed record of a healthcare provider: identity, " +
				"verification status, administrative status, licenses and metadata.",
			InputSchema: idSchema("Provider id, e.g. P1"),
		},
		{
			Name: "search_providers",
			Description: "Search providers. Shorthand filters are combined with AND; a full selector " +
				`may be passed as JSON, e.g. {"field":"licenses.expiryDate","op":"lt","value":"2027-01-01"}. ` +
				"Operators: eq, ne, gt, gte, lt, lte, in, contains, prefix, exists.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"verification_status": map[string]any{
						"type": "string",
						"enum": []string{"PENDING", "IN_PROGRESS", "VERIFIED", "REJECTED", "SUSPENDED", "EXPIRED"},
					},
					"provider_type": map[string]any{
						"type":        "string",
						"description": "PHYSICIAN, NURSE, SPECIALIST, ALLIED_HEALTH, DENTIST, PHARMACIST, THERAPIST or TECHNICIAN",
					},
					"status": map[string]any{
						"type": "string",
						"enum": []string{"ACTIVE", "INACTIVE", "SUSPENDED", "ARCHIVED"},
					},
					"selector": map[string]any{
						"type":        "object",
						"description": "Full selector tree with field/op/value leaves and and/or/not combinators",
					},
					"limit": map[string]any{"type": "integer", "description": "Page size, default 20"},
				},
			},
		},
		{
			Name: "provider_history",
			Description: "List every committed version of a provider, oldest first, with the " +
				"transaction id, block height and verification/administrative status of each.",
			InputSchema: idSchema("Provider id"),
		},
		{
			Name:        "ledger_statistics",
			Description: "Count providers by verification status, provider type and administrative status.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "verify_ledger",
			Description: "Walk the peer's history hash chain and report whether it is intact.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
	}
	return r
}

// Definitions returns the list of tool definitions for tools/list responses.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	return r.defs
}

// Call runs the named tool. Ledger rejections are reported in the result;
// the error is non-nil only for an unknown tool.
func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error) {
	switch name {
	case "get_provider":
		return r.getProvider(ctx, args), nil
	case "search_providers":
		return r.searchProviders(ctx, args), nil
	case "provider_history":
		return r.providerHistory(ctx, args), nil
	case "ledger_statistics":
		return r.statistics(ctx), nil
	case "verify_ledger":
		return r.verifyLedger(ctx), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownTool, name)
	}
}

// ── tool handlers ────────────────────────────────────────────────────────────

func decodeID(args json.RawMessage) (string, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.ID == "" {
		return "", fmt.Errorf("id is required")
	}
	return in.ID, nil
}

func (r *ToolRegistry) getProvider(ctx context.Context, args json.RawMessage) *ToolResult {
	id, err := decodeID(args)
	if err != nil {
		return invalidf("%v", err)
	}
	p, err := r.ledger.Get(ctx, id)
	if err != nil {
		return rejected("get "+id, err)
	}
	out, _ := json.MarshalIndent(p, "", "  ")
	return ok(string(out))
}

func (r *ToolRegistry) searchProviders(ctx context.Context, args json.RawMessage) *ToolResult {
	var in struct {
		VerificationStatus string           `json:"verification_status"`
		ProviderType       string           `json:"provider_type"`
		Status             string           `json:"status"`
		Selector           *client.Selector `json:"selector"`
		Limit              int              `json:"limit"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return invalidf("invalid arguments: %v", err)
		}
	}
	if in.Limit <= 0 {
		in.Limit = 20
	}

	var leaves []*client.Selector
	if in.Selector != nil {
		leaves = append(leaves, in.Selector)
	}
	for _, f := range [...]struct{ field, v string }{
		{"verificationStatus", in.VerificationStatus},
		{"providerType", in.ProviderType},
		{"status", in.Status},
	} {
		if f.v != "" {
			leaves = append(leaves, client.Eq(f.field, strings.ToUpper(f.v)))
		}
	}
	var sel *client.Selector
	switch len(leaves) {
	case 0:
	case 1:
		sel = leaves[0]
	default:
		sel = client.And(leaves...)
	}

	res, err := r.ledger.Search(ctx, sel, in.Limit, 0)
	if err != nil {
		return rejected("search", err)
	}
	if len(res.Providers) == 0 {
		return ok("No providers match.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d matching providers:\n\n", len(res.Providers), res.Total)
	for _, p := range res.Providers {
		fmt.Fprintf(&b, "• %s  %s %s (%s)\n  verification: %s  status: %s  licenses: %d\n",
			p.ID, p.FirstName, p.LastName, p.ProviderType, p.VerificationStatus, p.Status, len(p.Licenses))
	}
	return ok(b.String())
}

func (r *ToolRegistry) providerHistory(ctx context.Context, args json.RawMessage) *ToolResult {
	id, err := decodeID(args)
	if err != nil {
		return invalidf("%v", err)
	}
	entries, err := r.ledger.History(ctx, id)
	if err != nil {
		return rejected("history "+id, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d versions of %s:\n\n", len(entries), id)
	for _, e := range entries {
		line := fmt.Sprintf("v%d  block %d  %s  tx %s", e.Version, e.BlockHeight, e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.TxID)
		if p, err := e.Provider(); err == nil {
			line += fmt.Sprintf("  verification=%s status=%s", p.VerificationStatus, p.Status)
		}
		b.WriteString(line + "\n")
	}
	return ok(b.String())
}

func (r *ToolRegistry) statistics(ctx context.Context) *ToolResult {
	stats, err := r.ledger.Statistics(ctx)
	if err != nil {
		return rejected("statistics", err)
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	return ok(string(out))
}

func (r *ToolRegistry) verifyLedger(ctx context.Context) *ToolResult {
	report, err := r.ledger.VerifyLedger(ctx)
	if err != nil {
		return rejected("verify", err)
	}
	if !report.Valid {
		return &ToolResult{
			Text: fmt.Sprintf("History chain is BROKEN after %d entries: %s", report.Entries, report.Error),
			Code: client.CodeInternal,
		}
	}
	return ok(fmt.Sprintf("History chain intact: %d entries, root %s", report.Entries, report.Root))
}

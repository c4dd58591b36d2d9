package client

import "context"

// Operation names accepted by Invoke.
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
)

func (c *Client) write(ctx context.Context, op string, args any) (*Provider, error) {
	var p Provider
	if _, err := c.Invoke(ctx, op, args, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Register creates a provider in PENDING verification and ACTIVE status.
func (c *Client) Register(ctx context.Context, r *Registration) (*Provider, error) {
	return c.write(ctx, OpRegister, r)
}

// Update merges changes into the provider. Keys name Provider JSON fields;
// identity, status and license fields are rejected.
func (c *Client) Update(ctx context.Context, id string, changes map[string]any) (*Provider, error) {
	return c.write(ctx, OpUpdate, map[string]any{"id": id, "changes": changes})
}

// Verify moves the provider's verification status to target.
func (c *Client) Verify(ctx context.Context, id, target, notes, verifier string) (*Provider, error) {
	return c.write(ctx, OpVerify, map[string]string{
		"id": id, "target": target, "notes": notes, "verifier": verifier,
	})
}

// Suspend suspends the provider administratively.
func (c *Client) Suspend(ctx context.Context, id, reason string) (*Provider, error) {
	return c.write(ctx, OpSuspend, map[string]string{"id": id, "reason": reason})
}

// Reactivate returns the provider to ACTIVE status.
func (c *Client) Reactivate(ctx context.Context, id, note string) (*Provider, error) {
	return c.write(ctx, OpReactivate, map[string]string{"id": id, "note": note})
}

// Deactivate moves the provider to INACTIVE status.
func (c *Client) Deactivate(ctx context.Context, id, note string) (*Provider, error) {
	return c.write(ctx, OpDeactivate, map[string]string{"id": id, "note": note})
}

// Archive moves the provider to ARCHIVED. Archived providers accept no
// further writes.
func (c *Client) Archive(ctx context.Context, id, note string) (*Provider, error) {
	return c.write(ctx, OpArchive, map[string]string{"id": id, "note": note})
}

// AddLicense appends a license to the provider.
func (c *Client) AddLicense(ctx context.Context, id string, l License) (*Provider, error) {
	return c.write(ctx, OpAddLicense, map[string]any{"id": id, "license": l})
}

// UpdateLicense replaces the license with l.ID.
func (c *Client) UpdateLicense(ctx context.Context, id string, l License) (*Provider, error) {
	return c.write(ctx, OpUpdateLicense, map[string]any{"id": id, "license": l})
}

// RestartVerification sends a rejected or expired provider back to PENDING.
func (c *Client) RestartVerification(ctx context.Context, id, reason string) (*Provider, error) {
	return c.write(ctx, OpRestartVerification, map[string]string{"id": id, "reason": reason})
}

// CorrectIdentity amends identity fields, recording the reason.
func (c *Client) CorrectIdentity(ctx context.Context, id string, corr IdentityCorrection) (*Provider, error) {
	return c.write(ctx, OpCorrectIdentity, struct {
		ID string `json:"id"`
		IdentityCorrection
	}{id, corr})
}

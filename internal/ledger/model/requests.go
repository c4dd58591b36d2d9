package model

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// DateLayout is the wire format of calendar dates. Dates compare
// chronologically when compared as strings.
const DateLayout = "2006-01-02"

// Metadata bounds.
const (
	MaxMetadataKeys     = 64
	MaxMetadataKeyLen   = 128
	MaxMetadataValueLen = 1024
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidID reports whether id is acceptable as a ledger key.
func ValidID(id string) bool { return idPattern.MatchString(id) }

// RegisterRequest is the payload for Register.
type RegisterRequest struct {
	ID               string           `json:"id,omitempty"`
	DID              string           `json:"did,omitempty"`
	Email            string           `json:"email"`
	FirstName        string           `json:"firstName"`
	LastName         string           `json:"lastName"`
	DateOfBirth      string           `json:"dateOfBirth,omitempty"`
	Nationality      string           `json:"nationality,omitempty"`
	ProviderType     ProviderType     `json:"providerType"`
	Specialties      []Specialty      `json:"specialties,omitempty"`
	Licenses         []License        `json:"licenses,omitempty"`
	EducationHistory []Education      `json:"educationHistory,omitempty"`
	WorkExperience   []WorkExperience `json:"workExperience,omitempty"`
	Metadata         Metadata         `json:"metadata,omitempty"`
}

// Validate checks required fields and formats.
func (r *RegisterRequest) Validate() error {
	if r.ID != "" && !ValidID(r.ID) {
		return Errorf(CodeInvalidInput, "id %q must match %s", r.ID, idPattern)
	}
	if strings.TrimSpace(r.FirstName) == "" {
		return Errorf(CodeInvalidInput, "firstName is required")
	}
	if strings.TrimSpace(r.LastName) == "" {
		return Errorf(CodeInvalidInput, "lastName is required")
	}
	if err := ValidateEmail(r.Email); err != nil {
		return err
	}
	if r.ProviderType == "" {
		return Errorf(CodeInvalidInput, "providerType is required")
	}
	if !r.ProviderType.Valid() {
		return Errorf(CodeInvalidInput, "unknown providerType %q", r.ProviderType)
	}
	if err := validateDate("dateOfBirth", r.DateOfBirth); err != nil {
		return err
	}
	for i := range r.Licenses {
		if err := r.Licenses[i].Validate(); err != nil {
			return err
		}
	}
	if err := ValidateSpecialties(r.Specialties); err != nil {
		return err
	}
	if err := ValidateEducation(r.EducationHistory); err != nil {
		return err
	}
	if err := ValidateWorkExperience(r.WorkExperience); err != nil {
		return err
	}
	return r.Metadata.Validate()
}

// UpdateRequest is the payload for Update. Changes holds the partial record
// to merge; it is kept raw so that attempts to touch protected fields can be
// detected by name.
type UpdateRequest struct {
	ID      string                     `json:"id"`
	Changes map[string]json.RawMessage `json:"changes"`
}

// VerifyRequest is the payload for Verify.
type VerifyRequest struct {
	ID       string             `json:"id"`
	Target   VerificationStatus `json:"target"`
	Notes    string             `json:"notes,omitempty"`
	Verifier string             `json:"verifier,omitempty"`
}

// SuspendRequest is the payload for Suspend.
type SuspendRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// StatusRequest is the payload for Reactivate, Deactivate and Archive.
type StatusRequest struct {
	ID   string `json:"id"`
	Note string `json:"note,omitempty"`
}

// RestartVerificationRequest is the payload for RestartVerification.
type RestartVerificationRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// CorrectIdentityRequest is the payload for CorrectIdentity. Empty fields are
// left unchanged.
type CorrectIdentityRequest struct {
	ID           string       `json:"id"`
	FirstName    string       `json:"firstName,omitempty"`
	LastName     string       `json:"lastName,omitempty"`
	DateOfBirth  string       `json:"dateOfBirth,omitempty"`
	Nationality  string       `json:"nationality,omitempty"`
	ProviderType ProviderType `json:"providerType,omitempty"`
	Reason       string       `json:"reason"`
}

// Validate checks that the correction is well-formed and non-empty.
func (r *CorrectIdentityRequest) Validate() error {
	if strings.TrimSpace(r.Reason) == "" {
		return Errorf(CodeInvalidInput, "reason is required for an identity correction")
	}
	if err := ValidateAnnotation("reason", r.Reason); err != nil {
		return err
	}
	if r.FirstName == "" && r.LastName == "" && r.DateOfBirth == "" &&
		r.Nationality == "" && r.ProviderType == "" {
		return Errorf(CodeInvalidInput, "correction changes no field")
	}
	if r.ProviderType != "" && !r.ProviderType.Valid() {
		return Errorf(CodeInvalidInput, "unknown providerType %q", r.ProviderType)
	}
	return validateDate("dateOfBirth", r.DateOfBirth)
}

// LicenseRequest is the payload for AddLicense and UpdateLicense.
type LicenseRequest struct {
	ID      string  `json:"id"`
	License License `json:"license"`
}

// IDRequest is the payload for Get and GetHistory.
type IDRequest struct {
	ID string `json:"id"`
}

// Validate checks the fields every stored license must carry.
func (l *License) Validate() error {
	if strings.TrimSpace(l.Number) == "" {
		return Errorf(CodeInvalidInput, "license number is required")
	}
	if strings.TrimSpace(l.IssuingAuthority) == "" {
		return Errorf(CodeInvalidInput, "license issuingAuthority is required")
	}
	if l.Status != "" && !l.Status.Valid() {
		return Errorf(CodeInvalidInput, "unknown license status %q", l.Status)
	}
	if err := validateDate("issuedDate", l.IssuedDate); err != nil {
		return err
	}
	if err := validateDate("expiryDate", l.ExpiryDate); err != nil {
		return err
	}
	if l.IssuedDate != "" && l.ExpiryDate != "" && l.ExpiryDate < l.IssuedDate {
		return Errorf(CodeInvalidInput, "license expiryDate precedes issuedDate")
	}
	return nil
}

// ValidateSpecialties checks every specialty has a code or a name.
func ValidateSpecialties(ss []Specialty) error {
	for _, s := range ss {
		if s.Code == "" && s.Name == "" {
			return Errorf(CodeInvalidInput, "specialty requires a code or a name")
		}
	}
	return nil
}

// ValidateEducation checks education entries.
func ValidateEducation(es []Education) error {
	for _, e := range es {
		if strings.TrimSpace(e.Institution) == "" {
			return Errorf(CodeInvalidInput, "education institution is required")
		}
		if err := validateDate("graduationDate", e.GraduationDate); err != nil {
			return err
		}
	}
	return nil
}

// ValidateWorkExperience checks work experience entries.
func ValidateWorkExperience(ws []WorkExperience) error {
	for _, w := range ws {
		if strings.TrimSpace(w.Organization) == "" {
			return Errorf(CodeInvalidInput, "workExperience organization is required")
		}
		if err := validateDate("startDate", w.StartDate); err != nil {
			return err
		}
		if err := validateDate("endDate", w.EndDate); err != nil {
			return err
		}
	}
	return nil
}

// Validate enforces the metadata bounds.
func (m Metadata) Validate() error {
	if len(m) > MaxMetadataKeys {
		return Errorf(CodeInvalidInput, "metadata has %d keys, max %d", len(m), MaxMetadataKeys)
	}
	for k, v := range m {
		if k == "" || len(k) > MaxMetadataKeyLen {
			return Errorf(CodeInvalidInput, "metadata key length must be 1..%d", MaxMetadataKeyLen)
		}
		if len(v) > MaxMetadataValueLen {
			return Errorf(CodeInvalidInput, "metadata value for %q exceeds %d bytes", k, MaxMetadataValueLen)
		}
	}
	return nil
}

// ValidateMetadataPatch checks caller-supplied metadata changes. Keys in the
// ledger's own namespaces may be removed but not written.
func ValidateMetadataPatch(m Metadata) error {
	if err := m.Validate(); err != nil {
		return err
	}
	for k, v := range m {
		if v != "" && IsLedgerMetaKey(k) {
			return Errorf(CodeInvalidInput, "metadata key %q is written by the ledger", k)
		}
	}
	return nil
}

// CountCallerKeys returns how many keys lie outside the ledger's namespaces.
func (m Metadata) CountCallerKeys() int {
	n := 0
	for k := range m {
		if !IsLedgerMetaKey(k) {
			n++
		}
	}
	return n
}

// ValidateAnnotation bounds free text the processor stores as metadata.
func ValidateAnnotation(field, s string) error {
	if len(s) > MaxMetadataValueLen {
		return Errorf(CodeInvalidInput, "%s exceeds %d bytes", field, MaxMetadataValueLen)
	}
	return nil
}

// ValidateEmail checks that email looks like local@domain.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return Errorf(CodeInvalidInput, "email is required")
	}
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return Errorf(CodeInvalidInput, "email %q is malformed", email)
	}
	return nil
}

func validateDate(field, v string) error {
	if v == "" {
		return nil
	}
	if _, err := time.Parse(DateLayout, v); err != nil {
		return Errorf(CodeInvalidInput, "%s %q must be formatted YYYY-MM-DD", field, v)
	}
	return nil
}

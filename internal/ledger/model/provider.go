package model

import (
	"strconv"
	"strings"
	"time"
)

// ProviderType is the professional category of a provider.
type ProviderType string

const (
	ProviderTypePhysician    ProviderType = "PHYSICIAN"
	ProviderTypeNurse        ProviderType = "NURSE"
	ProviderTypeSpecialist   ProviderType = "SPECIALIST"
	ProviderTypeAlliedHealth ProviderType = "ALLIED_HEALTH"
	ProviderTypeDentist      ProviderType = "DENTIST"
	ProviderTypePharmacist   ProviderType = "PHARMACIST"
	ProviderTypeTherapist    ProviderType = "THERAPIST"
	ProviderTypeTechnician   ProviderType = "TECHNICIAN"
)

// ProviderTypes lists every valid provider type in a stable order.
var ProviderTypes = []ProviderType{
	ProviderTypePhysician, ProviderTypeNurse, ProviderTypeSpecialist,
	ProviderTypeAlliedHealth, ProviderTypeDentist, ProviderTypePharmacist,
	ProviderTypeTherapist, ProviderTypeTechnician,
}

// Valid reports whether t is one of the known provider types.
func (t ProviderType) Valid() bool {
	for _, v := range ProviderTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ProviderStatus is the administrative lifecycle of a provider, orthogonal
// to verification.
type ProviderStatus string

const (
	ProviderStatusActive    ProviderStatus = "ACTIVE"
	ProviderStatusInactive  ProviderStatus = "INACTIVE"
	ProviderStatusSuspended ProviderStatus = "SUSPENDED"
	ProviderStatusArchived  ProviderStatus = "ARCHIVED"
)

// LicenseStatus is the lifecycle of a single license.
type LicenseStatus string

const (
	LicenseStatusActive         LicenseStatus = "ACTIVE"
	LicenseStatusExpired        LicenseStatus = "EXPIRED"
	LicenseStatusRevoked        LicenseStatus = "REVOKED"
	LicenseStatusSuspended      LicenseStatus = "SUSPENDED"
	LicenseStatusPendingRenewal LicenseStatus = "PENDING_RENEWAL"
)

// Valid reports whether s is a known license status.
func (s LicenseStatus) Valid() bool {
	switch s {
	case LicenseStatusActive, LicenseStatusExpired, LicenseStatusRevoked,
		LicenseStatusSuspended, LicenseStatusPendingRenewal:
		return true
	}
	return false
}

// Metadata is an open bag of scalar annotations. The processor writes a few
// well-known keys (suspension reason, verification notes) but never branches
// on the contents.
type Metadata map[string]string

// Well-known metadata keys and key prefixes.
const (
	MetaSuspensionReason   = "suspension.reason"
	MetaVerificationNote   = "verification.note."
	MetaVerificationBy     = "verification.by."
	MetaCorrectionReason   = "correction.reason."
	MetaRestartReason      = "verification.restart."
	MetaAdministrativeNote = "admin.note"
)

// Specialty is a clinical specialty held by a provider.
type Specialty struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Name    string `json:"name"`
	Primary bool   `json:"primary"`
}

// License is a professional license owned by exactly one provider. Licenses
// are appended or replaced by id and never removed from the record.
type License struct {
	ID               string        `json:"id"`
	Number           string        `json:"number"`
	Type             string        `json:"type"`
	IssuingAuthority string        `json:"issuingAuthority"`
	Jurisdiction     string        `json:"jurisdiction"`
	IssuedDate       string        `json:"issuedDate,omitempty"`
	ExpiryDate       string        `json:"expiryDate,omitempty"`
	Status           LicenseStatus `json:"status"`
}

// Education is one entry of a provider's education history.
type Education struct {
	ID             string `json:"id"`
	Institution    string `json:"institution"`
	Degree         string `json:"degree"`
	Field          string `json:"field,omitempty"`
	GraduationDate string `json:"graduationDate,omitempty"`
}

// WorkExperience is one entry of a provider's employment history.
type WorkExperience struct {
	ID           string `json:"id"`
	Organization string `json:"organization"`
	Role         string `json:"role"`
	StartDate    string `json:"startDate,omitempty"`
	EndDate      string `json:"endDate,omitempty"`
}

// Provider is the root ledger entity.
type Provider struct {
	ID                 string             `json:"id"`
	DID                string             `json:"did,omitempty"`
	Email              string             `json:"email"`
	FirstName          string             `json:"firstName"`
	LastName           string             `json:"lastName"`
	DateOfBirth        string             `json:"dateOfBirth,omitempty"`
	Nationality        string             `json:"nationality,omitempty"`
	ProviderType       ProviderType       `json:"providerType"`
	Specialties        []Specialty        `json:"specialties"`
	Licenses           []License          `json:"licenses"`
	EducationHistory   []Education        `json:"educationHistory"`
	WorkExperience     []WorkExperience   `json:"workExperience"`
	VerificationStatus VerificationStatus `json:"verificationStatus"`
	Status             ProviderStatus     `json:"status"`
	Metadata           Metadata           `json:"metadata"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// License returns the license with the given sub-id and its position.
func (p *Provider) License(id string) (*License, int) {
	for i := range p.Licenses {
		if p.Licenses[i].ID == id {
			return &p.Licenses[i], i
		}
	}
	return nil, -1
}

// Normalize replaces nil collections with empty ones so that every stored
// value has the same JSON shape.
func (p *Provider) Normalize() {
	if p.Specialties == nil {
		p.Specialties = []Specialty{}
	}
	if p.Licenses == nil {
		p.Licenses = []License{}
	}
	if p.EducationHistory == nil {
		p.EducationHistory = []Education{}
	}
	if p.WorkExperience == nil {
		p.WorkExperience = []WorkExperience{}
	}
	if p.Metadata == nil {
		p.Metadata = Metadata{}
	}
}

// NextMetaIndex returns one past the highest numeric suffix among metadata
// keys under any of prefixes, so a deleted annotation never causes a later
// one to be overwritten.
func (p *Provider) NextMetaIndex(prefixes ...string) int {
	n := 0
	for k := range p.Metadata {
		for _, prefix := range prefixes {
			rest, ok := strings.CutPrefix(k, prefix)
			if !ok {
				continue
			}
			if i, err := strconv.Atoi(rest); err == nil && i > n {
				n = i
			}
		}
	}
	return n + 1
}

// IsLedgerMetaKey reports whether k belongs to a namespace the processor
// writes. Such keys do not count toward MaxMetadataKeys.
func IsLedgerMetaKey(k string) bool {
	switch k {
	case MetaSuspensionReason, MetaAdministrativeNote:
		return true
	}
	for _, prefix := range []string{MetaVerificationNote, MetaVerificationBy, MetaCorrectionReason, MetaRestartReason} {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

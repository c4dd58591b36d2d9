package client

import (
	"encoding/json"
	"time"
)

// Verification states.
const (
	VerificationPending    = "PENDING"
	VerificationInProgress = "IN_PROGRESS"
	VerificationVerified   = "VERIFIED"
	VerificationRejected   = "REJECTED"
	VerificationSuspended  = "SUSPENDED"
	VerificationExpired    = "EXPIRED"
)

// Specialty is a clinical specialty held by a provider.
type Specialty struct {
	ID      string `json:"id,omitempty"`
	Code    string `json:"code,omitempty"`
	Name    string `json:"name,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// License is a professional license. Dates are YYYY-MM-DD.
type License struct {
	ID               string `json:"id,omitempty"`
	Number           string `json:"number"`
	Type             string `json:"type,omitempty"`
	IssuingAuthority string `json:"issuingAuthority"`
	Jurisdiction     string `json:"jurisdiction,omitempty"`
	IssuedDate       string `json:"issuedDate,omitempty"`
	ExpiryDate       string `json:"expiryDate,omitempty"`
	Status           string `json:"status,omitempty"`
}

// Education is one entry of a provider's education history.
type Education struct {
	ID             string `json:"id,omitempty"`
	Institution    string `json:"institution"`
	Degree         string `json:"degree,omitempty"`
	Field          string `json:"field,omitempty"`
	GraduationDate string `json:"graduationDate,omitempty"`
}

// WorkExperience is one entry of a provider's employment history.
type WorkExperience struct {
	ID           string `json:"id,omitempty"`
	Organization string `json:"organization"`
	Role         string `json:"role,omitempty"`
	StartDate    string `json:"startDate,omitempty"`
	EndDate      string `json:"endDate,omitempty"`
}

// Provider is a provider record as stored on the ledger.
type Provider struct {
	ID                 string            `json:"id"`
	DID                string            `json:"did,omitempty"`
	Email              string            `json:"email"`
	FirstName          string            `json:"firstName"`
	LastName           string            `json:"lastName"`
	DateOfBirth        string            `json:"dateOfBirth,omitempty"`
	Nationality        string            `json:"nationality,omitempty"`
	ProviderType       string            `json:"providerType"`
	Specialties        []Specialty       `json:"specialties"`
	Licenses           []License         `json:"licenses"`
	EducationHistory   []Education       `json:"educationHistory"`
	WorkExperience     []WorkExperience  `json:"workExperience"`
	VerificationStatus string            `json:"verificationStatus"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// Registration is the input to Register. ID is generated when empty.
type Registration struct {
	ID               string            `json:"id,omitempty"`
	DID              string            `json:"did,omitempty"`
	Email            string            `json:"email"`
	FirstName        string            `json:"firstName"`
	LastName         string            `json:"lastName"`
	DateOfBirth      string            `json:"dateOfBirth,omitempty"`
	Nationality      string            `json:"nationality,omitempty"`
	ProviderType     string            `json:"providerType"`
	Specialties      []Specialty       `json:"specialties,omitempty"`
	Licenses         []License         `json:"licenses,omitempty"`
	EducationHistory []Education       `json:"educationHistory,omitempty"`
	WorkExperience   []WorkExperience  `json:"workExperience,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// IdentityCorrection is the input to CorrectIdentity. Empty fields are left
// unchanged; Reason is required.
type IdentityCorrection struct {
	FirstName    string `json:"firstName,omitempty"`
	LastName     string `json:"lastName,omitempty"`
	DateOfBirth  string `json:"dateOfBirth,omitempty"`
	Nationality  string `json:"nationality,omitempty"`
	ProviderType string `json:"providerType,omitempty"`
	Reason       string `json:"reason"`
}

// Selector is a search predicate. A leaf sets Field, Op and Value; a
// combinator sets exactly one of And, Or or Not.
type Selector struct {
	Field string      `json:"field,omitempty"`
	Op    string      `json:"op,omitempty"`
	Value any         `json:"value,omitempty"`
	And   []*Selector `json:"and,omitempty"`
	Or    []*Selector `json:"or,omitempty"`
	Not   *Selector   `json:"not,omitempty"`
}

// Eq builds an equality leaf.
func Eq(field string, value any) *Selector {
	return &Selector{Field: field, Op: "eq", Value: value}
}

// And combines selectors conjunctively.
func And(s ...*Selector) *Selector { return &Selector{And: s} }

// Or combines selectors disjunctively.
func Or(s ...*Selector) *Selector { return &Selector{Or: s} }

// Not negates s.
func Not(s *Selector) *Selector { return &Selector{Not: s} }

// SearchResult is one page of matching providers.
type SearchResult struct {
	Providers []Provider `json:"providers"`
	Total     int        `json:"total"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
	Height    uint64     `json:"height"`
}

// Statistics holds aggregate provider counts.
type Statistics struct {
	ByVerificationStatus map[string]int `json:"byVerificationStatus"`
	ByProviderType       map[string]int `json:"byProviderType"`
	ByStatus             map[string]int `json:"byStatus"`
	Total                int            `json:"total"`
	Height               uint64         `json:"height"`
}

// HistoryEntry is one committed version of a key.
type HistoryEntry struct {
	Index       int             `json:"index"`
	Key         string          `json:"key"`
	Version     uint64          `json:"version"`
	TxID        string          `json:"transactionId"`
	BlockHeight uint64          `json:"blockHeight"`
	Timestamp   time.Time       `json:"timestamp"`
	IsDelete    bool            `json:"isDelete"`
	Value       json.RawMessage `json:"value,omitempty"`
	DataHash    string          `json:"dataHash"`
	PrevHash    string          `json:"prevHash"`
	Hash        string          `json:"hash"`
}

// Provider decodes the entry's value.
func (e *HistoryEntry) Provider() (*Provider, error) {
	var p Provider
	if err := json.Unmarshal(e.Value, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// LedgerStatus describes a peer's progress.
type LedgerStatus struct {
	Height          uint64 `json:"height"`
	ProjectedHeight uint64 `json:"projectedHeight"`
	LastBlockHash   string `json:"lastBlockHash,omitempty"`
	HistoryEntries  int    `json:"historyEntries"`
	HistoryRoot     string `json:"historyRoot"`
}

// IntegrityReport is the outcome of walking the history hash chain.
type IntegrityReport struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	Root    string `json:"root"`
	Error   string `json:"error,omitempty"`
}

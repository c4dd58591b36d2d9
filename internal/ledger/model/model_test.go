package model_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jmerrifield20/providerledger/internal/ledger/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]model.VerificationStatus]bool{
		{model.VerificationPending, model.VerificationInProgress}:  true,
		{model.VerificationInProgress, model.VerificationVerified}: true,
		{model.VerificationInProgress, model.VerificationRejected}: true,
		{model.VerificationInProgress, model.VerificationExpired}:  true,
		{model.VerificationVerified, model.VerificationSuspended}:  true,
		{model.VerificationVerified, model.VerificationExpired}:    true,
		{model.VerificationSuspended, model.VerificationVerified}:  true,
	}
	for _, from := range model.VerificationStatuses {
		for _, to := range model.VerificationStatuses {
			want := allowed[[2]model.VerificationStatus{from, to}]
			assert.Equal(t, want, model.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, model.CanTransition("BOGUS", model.VerificationPending))
}

func TestReachableFromPending(t *testing.T) {
	seen := map[model.VerificationStatus]bool{model.VerificationPending: true}
	queue := []model.VerificationStatus{model.VerificationPending}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, next := range model.NextVerificationStates(s) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, s := range model.VerificationStatuses {
		assert.True(t, seen[s], "%s unreachable from PENDING", s)
	}
}

func TestNextVerificationStates_copy(t *testing.T) {
	next := model.NextVerificationStates(model.VerificationInProgress)
	next[0] = model.VerificationPending
	assert.False(t, model.CanTransition(model.VerificationInProgress, model.VerificationPending))
}

func TestCanRestart(t *testing.T) {
	for _, s := range model.VerificationStatuses {
		want := s == model.VerificationRejected || s == model.VerificationExpired
		assert.Equal(t, want, model.CanRestart(s), string(s))
	}
}

func TestCanChangeStatus(t *testing.T) {
	assert.True(t, model.CanChangeStatus(model.ProviderStatusActive, model.ProviderStatusSuspended))
	assert.True(t, model.CanChangeStatus(model.ProviderStatusInactive, model.ProviderStatusSuspended))
	assert.True(t, model.CanChangeStatus(model.ProviderStatusSuspended, model.ProviderStatusActive))
	assert.False(t, model.CanChangeStatus(model.ProviderStatusSuspended, model.ProviderStatusInactive))
	for _, to := range []model.ProviderStatus{
		model.ProviderStatusActive, model.ProviderStatusInactive,
		model.ProviderStatusSuspended, model.ProviderStatusArchived,
	} {
		assert.False(t, model.CanChangeStatus(model.ProviderStatusArchived, to), "ARCHIVED -> %s", to)
	}
}

func TestError(t *testing.T) {
	err := model.Errorf(model.CodeNotFound, "provider %s not found", "P1")
	assert.Equal(t, "NotFound: provider P1 not found", err.Error())

	wrapped := fmt.Errorf("get: %w", err)
	assert.True(t, errors.Is(wrapped, model.ErrNotFound))
	assert.False(t, errors.Is(wrapped, model.ErrAlreadyExists))
	assert.Equal(t, model.CodeNotFound, model.CodeOf(wrapped))

	assert.Equal(t, model.Code(""), model.CodeOf(nil))
	assert.Equal(t, model.CodeInternal, model.CodeOf(errors.New("disk on fire")))

	raw, err2 := json.Marshal(err)
	require.NoError(t, err2)
	assert.JSONEq(t, `{"code":"NotFound","message":"provider P1 not found"}`, string(raw))
}

func TestAsError_hidesInternalDetail(t *testing.T) {
	e := model.AsError(errors.New("pq: connection refused to 10.0.0.3"))
	assert.Equal(t, model.CodeInternal, e.Code)
	assert.NotContains(t, e.Message, "10.0.0.3")
	assert.Nil(t, model.AsError(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, model.CodeStaleRead.Retryable())
	for _, c := range []model.Code{
		model.CodeAlreadyExists, model.CodeNotFound, model.CodeInvalidInput,
		model.CodeImmutableFieldViolation, model.CodeInvalidTransition,
		model.CodeInvalidSelector, model.CodeInternal,
	} {
		assert.False(t, c.Retryable(), string(c))
	}
}

func validRegistration() model.RegisterRequest {
	return model.RegisterRequest{
		Email:        "ada@example.org",
		FirstName:    "Ada",
		LastName:     "Lovelace",
		ProviderType: model.ProviderTypePhysician,
	}
}

func TestRegisterRequest_Validate(t *testing.T) {
	r := validRegistration()
	require.NoError(t, r.Validate())

	tests := map[string]func(*model.RegisterRequest){
		"bad id":          func(r *model.RegisterRequest) { r.ID = "has space" },
		"no first name":   func(r *model.RegisterRequest) { r.FirstName = "  " },
		"no last name":    func(r *model.RegisterRequest) { r.LastName = "" },
		"no email":        func(r *model.RegisterRequest) { r.Email = "" },
		"malformed email": func(r *model.RegisterRequest) { r.Email = "ada@" },
		"no type":         func(r *model.RegisterRequest) { r.ProviderType = "" },
		"unknown type":    func(r *model.RegisterRequest) { r.ProviderType = "WIZARD" },
		"bad dob":         func(r *model.RegisterRequest) { r.DateOfBirth = "12/10/1815" },
		"license without number": func(r *model.RegisterRequest) {
			r.Licenses = []model.License{{IssuingAuthority: "GMC"}}
		},
		"specialty without code or name": func(r *model.RegisterRequest) {
			r.Specialties = []model.Specialty{{Primary: true}}
		},
		"education without institution": func(r *model.RegisterRequest) {
			r.EducationHistory = []model.Education{{Degree: "MD"}}
		},
		"work without organization": func(r *model.RegisterRequest) {
			r.WorkExperience = []model.WorkExperience{{Role: "Resident"}}
		},
		"oversized metadata value": func(r *model.RegisterRequest) {
			r.Metadata = model.Metadata{"k": strings.Repeat("x", model.MaxMetadataValueLen+1)}
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			r := validRegistration()
			mutate(&r)
			assert.Equal(t, model.CodeInvalidInput, model.CodeOf(r.Validate()))
		})
	}
}

func TestLicense_Validate(t *testing.T) {
	l := model.License{Number: "A1", IssuingAuthority: "GMC", IssuedDate: "2020-01-01", ExpiryDate: "2025-01-01"}
	require.NoError(t, l.Validate())

	l.ExpiryDate = "2019-12-31"
	assert.Equal(t, model.CodeInvalidInput, model.CodeOf(l.Validate()))

	l.ExpiryDate = ""
	l.Status = "LAPSED"
	assert.Equal(t, model.CodeInvalidInput, model.CodeOf(l.Validate()))
}

func TestMetadata_Validate(t *testing.T) {
	m := model.Metadata{}
	for i := 0; i < model.MaxMetadataKeys; i++ {
		m[fmt.Sprintf("k%d", i)] = "v"
	}
	require.NoError(t, m.Validate())

	m["one-too-many"] = "v"
	assert.Equal(t, model.CodeInvalidInput, model.CodeOf(m.Validate()))

	long := model.Metadata{strings.Repeat("k", model.MaxMetadataKeyLen+1): "v"}
	assert.Equal(t, model.CodeInvalidInput, model.CodeOf(long.Validate()))
}

func TestCorrectIdentityRequest_Validate(t *testing.T) {
	r := model.CorrectIdentityRequest{ID: "P1", LastName: "Byron", Reason: "marriage"}
	require.NoError(t, r.Validate())

	assert.Equal(t, model.CodeInvalidInput, model.CodeOf((&model.CorrectIdentityRequest{ID: "P1", LastName: "X"}).Validate()))
	assert.Equal(t, model.CodeInvalidInput, model.CodeOf((&model.CorrectIdentityRequest{ID: "P1", Reason: "r"}).Validate()))
	assert.Equal(t, model.CodeInvalidInput, model.CodeOf((&model.CorrectIdentityRequest{ID: "P1", Reason: "r", ProviderType: "WIZARD"}).Validate()))
}

func TestProvider_Normalize(t *testing.T) {
	var p model.Provider
	p.Normalize()
	raw, err := json.Marshal(&p)
	require.NoError(t, err)
	for _, field := range []string{`"specialties":[]`, `"licenses":[]`, `"educationHistory":[]`, `"workExperience":[]`, `"metadata":{}`} {
		assert.Contains(t, string(raw), field)
	}
}

func TestProvider_LicenseAndMetaPrefix(t *testing.T) {
	p := model.Provider{
		Licenses: []model.License{{ID: "L1"}, {ID: "L2"}},
		Metadata: model.Metadata{
			model.MetaVerificationNote + "1": "a",
			model.MetaVerificationNote + "2": "b",
			model.MetaSuspensionReason:       "c",
		},
	}
	l, i := p.License("L2")
	require.NotNil(t, l)
	assert.Equal(t, 1, i)
	l, i = p.License("L9")
	assert.Nil(t, l)
	assert.Equal(t, -1, i)

	assert.Equal(t, 3, p.NextMetaIndex(model.MetaVerificationNote))
	assert.Equal(t, 1, p.NextMetaIndex(model.MetaRestartReason))

	// Numbering follows the highest suffix, not the key count.
	delete(p.Metadata, model.MetaVerificationNote+"1")
	p.Metadata[model.MetaVerificationBy+"7"] = "x"
	p.Metadata[model.MetaVerificationNote+"draft"] = "y"
	assert.Equal(t, 8, p.NextMetaIndex(model.MetaVerificationNote, model.MetaVerificationBy))
}

func TestValidID(t *testing.T) {
	assert.True(t, model.ValidID("P1"))
	assert.True(t, model.ValidID("prov_01.a-b"))
	assert.False(t, model.ValidID(""))
	assert.False(t, model.ValidID("~did~x"))
	assert.False(t, model.ValidID(strings.Repeat("a", 129)))
}

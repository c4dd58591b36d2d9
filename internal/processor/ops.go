package processor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jmerrifield20/providerledger/internal/ledger/model"
)

// DIDKeyPrefix prefixes the reserved keys that map a DID to the provider that
// claimed it.
const DIDKeyPrefix = "~did~"

// idNamespace is the UUIDv5 namespace for ids derived from transaction ids.
var idNamespace = uuid.MustParse("8f3b6c1e-2a47-5d90-b1c4-7e5a9d02f6b3")

// newID derives a deterministic id for the n-th generated item of kind.
func newID(tx *TxContext, kind string, n int) string {
	return uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("%s/%s/%d", tx.TxID(), kind, n))).String()
}

func didKey(did string) string { return DIDKeyPrefix + did }

// loadProvider reads a provider through the transaction.
func loadProvider(tx *TxContext, id string) (*model.Provider, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	raw, _, err := tx.Get(id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, model.Errorf(model.CodeNotFound, "provider %s not found", id)
	}
	var p model.Provider
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode provider %s: %w", id, err)
	}
	p.Normalize()
	return &p, nil
}

// loadMutable reads a provider that may still be written to.
func loadMutable(tx *TxContext, id string) (*model.Provider, error) {
	p, err := loadProvider(tx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == model.ProviderStatusArchived {
		return nil, model.Errorf(model.CodeInvalidTransition, "provider %s is archived", id)
	}
	return p, nil
}

// save buffers the provider as the transaction's write to its key.
func save(tx *TxContext, p *model.Provider) (*model.Provider, error) {
	p.UpdatedAt = tx.Timestamp()
	p.Normalize()
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode provider %s: %w", p.ID, err)
	}
	tx.Put(p.ID, raw)
	return p, nil
}

// claimDID reserves did for id, failing if another provider holds it.
func claimDID(tx *TxContext, did, id string) error {
	raw, _, err := tx.Get(didKey(did))
	if err != nil {
		return err
	}
	if raw != nil {
		var owner string
		_ = json.Unmarshal(raw, &owner)
		return model.Errorf(model.CodeAlreadyExists, "did %s is already claimed by provider %s", did, owner)
	}
	claim, _ := json.Marshal(id)
	tx.Put(didKey(did), claim)
	return nil
}

// fillIDs generates missing sub-ids and rejects malformed or duplicate ones.
func fillIDs(tx *TxContext, kind string, ids []*string) error {
	seen := make(map[string]bool, len(ids))
	for i, id := range ids {
		if *id == "" {
			*id = newID(tx, kind, i)
		} else if !model.ValidID(*id) {
			return model.Errorf(model.CodeInvalidInput, "malformed %s id %q", kind, *id)
		}
		if seen[*id] {
			return model.Errorf(model.CodeInvalidInput, "duplicate %s id %q", kind, *id)
		}
		seen[*id] = true
	}
	return nil
}

func idsOf[T any](items []T, id func(*T) *string) []*string {
	out := make([]*string, len(items))
	for i := range items {
		out[i] = id(&items[i])
	}
	return out
}

func specialtyID(s *model.Specialty) *string { return &s.ID }
func licenseID(l *model.License) *string { return &l.ID }
func educationID(e *model.Education) *string { return &e.ID }
func workID(w *model.WorkExperience) *string { return &w.ID }

func (p *Processor) register(tx *TxContext, args json.RawMessage) (any, error) {
	var req model.RegisterRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = newID(tx, "provider", 0)
	}
	existing, version, err := tx.Get(id)
	if err != nil {
		return nil, err
	}
	if existing != nil || version > 0 {
		return nil, model.Errorf(model.CodeAlreadyExists, "provider %s already exists", id)
	}

	prov := &model.Provider{
		ID:                 id,
		DID:                req.DID,
		Email:              strings.TrimSpace(req.Email),
		FirstName:          req.FirstName,
		LastName:           req.LastName,
		DateOfBirth:        req.DateOfBirth,
		Nationality:        req.Nationality,
		ProviderType:       req.ProviderType,
		Specialties:        req.Specialties,
		Licenses:           req.Licenses,
		EducationHistory:   req.EducationHistory,
		WorkExperience:     req.WorkExperience,
		VerificationStatus: model.VerificationPending,
		Status:             model.ProviderStatusActive,
		Metadata:           model.Metadata{},
		CreatedAt:          tx.Timestamp(),
	}
	for k, v := range req.Metadata {
		prov.Metadata[k] = v
	}
	for i := range prov.Licenses {
		if prov.Licenses[i].Status == "" {
			prov.Licenses[i].Status = model.LicenseStatusActive
		}
	}
	if err := fillCollections(tx, prov); err != nil {
		return nil, err
	}
	if req.DID != "" {
		if err := claimDID(tx, req.DID, id); err != nil {
			return nil, err
		}
	}
	return save(tx, prov)
}

func fillCollections(tx *TxContext, prov *model.Provider) error {
	if err := fillIDs(tx, "specialty", idsOf(prov.Specialties, specialtyID)); err != nil {
		return err
	}
	if err := fillIDs(tx, "license", idsOf(prov.Licenses, licenseID)); err != nil {
		return err
	}
	if err := fillIDs(tx, "education", idsOf(prov.EducationHistory, educationID)); err != nil {
		return err
	}
	return fillIDs(tx, "work", idsOf(prov.WorkExperience, workID))
}

// protectedFields may only change through Verify, the status operations or
// CorrectIdentity.
var protectedFields = map[string]bool{
	"id": true, "createdAt": true, "updatedAt": true,
	"verificationStatus": true, "status": true, "providerType": true,
	"firstName": true, "lastName": true, "dateOfBirth": true, "nationality": true,
}

func (p *Processor) update(tx *TxContext, args json.RawMessage) (any, error) {
	var req model.UpdateRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if err := checkID(req.ID); err != nil {
		return nil, err
	}
	if len(req.Changes) == 0 {
		return nil, model.Errorf(model.CodeInvalidInput, "changes must name at least one field")
	}

	prov, err := loadMutable(tx, req.ID)
	if err != nil {
		return nil, err
	}

	fields := make([]string, 0, len(req.Changes))
	for f := range req.Changes {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		if protectedFields[f] {
			return nil, model.Errorf(model.CodeImmutableFieldViolation, "field %q cannot be changed by Update", f)
		}
	}

	for _, f := range fields {
		raw := req.Changes[f]
		switch f {
		case "email":
			var email string
			if err := decodeArgs(raw, &email); err != nil {
				return nil, err
			}
			if err := model.ValidateEmail(email); err != nil {
				return nil, err
			}
			prov.Email = strings.TrimSpace(email)
		case "did":
			var did string
			if err := decodeArgs(raw, &did); err != nil {
				return nil, err
			}
			if did == "" {
				return nil, model.Errorf(model.CodeInvalidInput, "did must not be empty")
			}
			if prov.DID == did {
				continue
			}
			if prov.DID != "" {
				return nil, model.Errorf(model.CodeImmutableFieldViolation, "did is already set and cannot change")
			}
			if err := claimDID(tx, did, prov.ID); err != nil {
				return nil, err
			}
			prov.DID = did
		case "specialties":
			var ss []model.Specialty
			if err := decodeArgs(raw, &ss); err != nil {
				return nil, err
			}
			if err := model.ValidateSpecialties(ss); err != nil {
				return nil, err
			}
			if err := fillIDs(tx, "specialty", idsOf(ss, specialtyID)); err != nil {
				return nil, err
			}
			prov.Specialties = ss
		case "educationHistory":
			var es []model.Education
			if err := decodeArgs(raw, &es); err != nil {
				return nil, err
			}
			if err := model.ValidateEducation(es); err != nil {
				return nil, err
			}
			if err := fillIDs(tx, "education", idsOf(es, educationID)); err != nil {
				return nil, err
			}
			prov.EducationHistory = es
		case "workExperience":
			var ws []model.WorkExperience
			if err := decodeArgs(raw, &ws); err != nil {
				return nil, err
			}
			if err := model.ValidateWorkExperience(ws); err != nil {
				return nil, err
			}
			if err := fillIDs(tx, "work", idsOf(ws, workID)); err != nil {
				return nil, err
			}
			prov.WorkExperience = ws
		case "metadata":
			var m model.Metadata
			if err := decodeArgs(raw, &m); err != nil {
				return nil, err
			}
			if err := model.ValidateMetadataPatch(m); err != nil {
				return nil, err
			}
			// An empty value removes the key.
			for k, v := range m {
				if v == "" {
					delete(prov.Metadata, k)
				} else {
					prov.Metadata[k] = v
				}
			}
			if n := prov.Metadata.CountCallerKeys(); n > model.MaxMetadataKeys {
				return nil, model.Errorf(model.CodeInvalidInput, "metadata has %d keys, max %d", n, model.MaxMetadataKeys)
			}
		case "licenses":
			return nil, model.Errorf(model.CodeInvalidInput, "licenses change only through AddLicense and UpdateLicense")
		default:
			return nil, model.Errorf(model.CodeInvalidInput, "unknown field %q", f)
		}
	}
	return save(tx, prov)
}

func (p *Processor) verify(tx *TxContext, args json.RawMessage) (any, error) {
	var req model.VerifyRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if err := checkID(req.ID); err != nil {
		return nil, err
	}
	if req.Target == "" {
		return nil, model.Errorf(model.CodeInvalidInput, "target is required")
	}
	if !req.Target.Valid() {
		return nil, model.Errorf(model.CodeInvalidInput, "unknown verification status %q", req.Target)
	}

	if err := model.ValidateAnnotation("notes", req.Notes); err != nil {
		return nil, err
	}
	if err := model.ValidateAnnotation("verifier", req.Verifier); err != nil {
		return nil, err
	}

	prov, err := loadMutable(tx, req.ID)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(prov.VerificationStatus, req.Target) {
		return nil, model.Errorf(model.CodeInvalidTransition, "cannot move verification from %s to %s (allowed: %s)",
			prov.VerificationStatus, req.Target, joinStates(model.NextVerificationStates(prov.VerificationStatus)))
	}

	prov.VerificationStatus = req.Target
	n := prov.NextMetaIndex(model.MetaVerificationNote, model.MetaVerificationBy)
	if req.Notes != "" {
		prov.Metadata[fmt.Sprintf("%s%d", model.MetaVerificationNote, n)] = req.Notes
	}
	if req.Verifier != "" {
		prov.Metadata[fmt.Sprintf("%s%d", model.MetaVerificationBy, n)] = req.Verifier
	}
	return save(tx, prov)
}

func joinStates(states []model.VerificationStatus) string {
	if len(states) == 0 {
		return "none; use RestartVerification"
	}
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

func (p *Processor) suspend(tx *TxContext, args json.RawMessage) (any, error) {
	var req model.SuspendRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if err := model.ValidateAnnotation("reason", req.Reason); err != nil {
		return nil, err
	}
	prov, err := loadMutable(tx, req.ID)
	if err != nil {
		return nil, err
	}
	if prov.Status != model.ProviderStatusSuspended &&
		!model.CanChangeStatus(prov.Status, model.ProviderStatusSuspended) {
		return nil, model.Errorf(model.CodeInvalidTransition, "cannot suspend a provider in status %s", prov.Status)
	}
	prov.Status = model.ProviderStatusSuspended
	if req.Reason != "" {
		prov.Metadata[model.MetaSuspensionReason] = req.Reason
	}
	return save(tx, prov)
}

func (p *Processor) reactivate(tx *TxContext, args json.RawMessage) (any, error) {
	return p.changeStatus(tx, args, model.ProviderStatusActive)
}

func (p *Processor) deactivate(tx *TxContext, args json.RawMessage) (any, error) {
	return p.changeStatus(tx, args, model.ProviderStatusInactive)
}

func (p *Processor) archive(tx *TxContext, args json.RawMessage) (any, error) {
	return p.changeStatus(tx, args, model.ProviderStatusArchived)
}

func (p *Processor) changeStatus(tx *TxContext, args json.RawMessage, to model.ProviderStatus) (any, error) {
	var req model.StatusRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if err := model.ValidateAnnotation("note", req.Note); err != nil {
		return nil, err
	}
	prov, err := loadMutable(tx, req.ID)
	if err != nil {
		return nil, err
	}
	if !model.CanChangeStatus(prov.Status, to) {
		return nil, model.Errorf(model.CodeInvalidTransition, "cannot change status from %s to %s", prov.Status, to)
	}
	if prov.Status == model.ProviderStatusSuspended && to == model.ProviderStatusActive {
		delete(prov.Metadata, model.MetaSuspensionReason)
	}
	prov.Status = to
	if req.Note != "" {
		prov.Metadata[model.MetaAdministrativeNote] = req.Note
	}
	return save(tx, prov)
}

func (p *Processor) updateLicense(tx *TxContext, args json.RawMessage) (any, error) {
	var req model.LicenseRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if req.License.ID == "" {
		return nil, model.Errorf(model.CodeInvalidInput, "license.id is required")
	}
	if err := req.License.Validate(); err != nil {
		return nil, err
	}
	prov, err := loadMutable(tx, req.ID)
	if err != nil {
		return nil, err
	}
	current, i := prov.License(req.License.ID)
	if current == nil {
		return nil, model.Errorf(model.CodeNotFound, "license %s not found on provider %s", req.License.ID, prov.ID)
	}
	lic := req.License
	if lic.Status == "" {
		lic.Status = current.Status
	}
	prov.Licenses[i] = lic
	return save(tx, prov)
}

func (p *Processor) addLicense(tx *TxContext, args json.RawMessage) (any, error) {
	var req model.LicenseRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if err := req.License.Validate(); err != nil {
		return nil, err
	}
	prov, err := loadMutable(tx, req.ID)
	if err != nil {
		return nil, err
	}
	lic := req.License
	if lic.ID == "" {
		lic.ID = newID(tx, "license", len(prov.Licenses))
	} else if !model.ValidID(lic.ID) {
		return nil, model.Errorf(model.CodeInvalidInput, "malformed license id %q", lic.ID)
	}
	if existing, _ := prov.License(lic.ID); existing != nil {
		return nil, model.Errorf(model.CodeAlreadyExists, "license %s already exists on provider %s", lic.ID, prov.ID)
	}
	if lic.Status == "" {
		lic.Status = model.LicenseStatusActive
	}
	prov.Licenses = append(prov.Licenses, lic)
	return save(tx, prov)
}

func (p *Processor) restartVerification(tx *TxContext, args json.RawMessage) (any, error) {
	var req model.RestartVerificationRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if err := model.ValidateAnnotation("reason", req.Reason); err != nil {
		return nil, err
	}
	prov, err := loadMutable(tx, req.ID)
	if err != nil {
		return nil, err
	}
	if !model.CanRestart(prov.VerificationStatus) {
		return nil, model.Errorf(model.CodeInvalidTransition,
			"verification can restart only from REJECTED or EXPIRED, not %s", prov.VerificationStatus)
	}
	prov.VerificationStatus = model.VerificationPending
	if req.Reason != "" {
		n := prov.NextMetaIndex(model.MetaRestartReason)
		prov.Metadata[fmt.Sprintf("%s%d", model.MetaRestartReason, n)] = req.Reason
	}
	return save(tx, prov)
}

func (p *Processor) correctIdentity(tx *TxContext, args json.RawMessage) (any, error) {
	var req model.CorrectIdentityRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if err := checkID(req.ID); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	prov, err := loadMutable(tx, req.ID)
	if err != nil {
		return nil, err
	}
	if req.FirstName != "" {
		prov.FirstName = req.FirstName
	}
	if req.LastName != "" {
		prov.LastName = req.LastName
	}
	if req.DateOfBirth != "" {
		prov.DateOfBirth = req.DateOfBirth
	}
	if req.Nationality != "" {
		prov.Nationality = req.Nationality
	}
	if req.ProviderType != "" {
		prov.ProviderType = req.ProviderType
	}
	n := prov.NextMetaIndex(model.MetaCorrectionReason)
	prov.Metadata[fmt.Sprintf("%s%d", model.MetaCorrectionReason, n)] = req.Reason
	return save(tx, prov)
}

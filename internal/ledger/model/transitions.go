package model

// VerificationStatus is the principal credential-verification state machine.
type VerificationStatus string

const (
	VerificationPending    VerificationStatus = "PENDING"
	VerificationInProgress VerificationStatus = "IN_PROGRESS"
	VerificationVerified   VerificationStatus = "VERIFIED"
	VerificationRejected   VerificationStatus = "REJECTED"
	VerificationSuspended  VerificationStatus = "SUSPENDED"
	VerificationExpired    VerificationStatus = "EXPIRED"
)

// VerificationStatuses lists every verification state in a stable order.
var VerificationStatuses = []VerificationStatus{
	VerificationPending, VerificationInProgress, VerificationVerified,
	VerificationRejected, VerificationSuspended, VerificationExpired,
}

// Valid reports whether s is a known verification state.
func (s VerificationStatus) Valid() bool {
	_, ok := verificationEdges[s]
	return ok
}

// verificationEdges is the complete set of transitions Verify may perform.
// REJECTED and EXPIRED have no outgoing Verify edges; leaving them requires
// the explicit RestartVerification operation.
var verificationEdges = map[VerificationStatus][]VerificationStatus{
	VerificationPending:    {VerificationInProgress},
	VerificationInProgress: {VerificationVerified, VerificationRejected, VerificationExpired},
	VerificationVerified:   {VerificationSuspended, VerificationExpired},
	VerificationSuspended:  {VerificationVerified},
	VerificationRejected:   nil,
	VerificationExpired:    nil,
}

// CanTransition reports whether Verify may move a provider from -> to.
func CanTransition(from, to VerificationStatus) bool {
	for _, next := range verificationEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextVerificationStates returns the states reachable from s in one Verify.
func NextVerificationStates(s VerificationStatus) []VerificationStatus {
	out := make([]VerificationStatus, len(verificationEdges[s]))
	copy(out, verificationEdges[s])
	return out
}

// CanRestart reports whether a new verification cycle may begin from s.
func CanRestart(s VerificationStatus) bool {
	return s == VerificationRejected || s == VerificationExpired
}

var statusEdges = map[ProviderStatus][]ProviderStatus{
	ProviderStatusActive:    {ProviderStatusInactive, ProviderStatusSuspended, ProviderStatusArchived},
	ProviderStatusInactive:  {ProviderStatusActive, ProviderStatusSuspended, ProviderStatusArchived},
	ProviderStatusSuspended: {ProviderStatusActive, ProviderStatusArchived},
	ProviderStatusArchived:  nil,
}

// Valid reports whether s is a known administrative status.
func (s ProviderStatus) Valid() bool {
	_, ok := statusEdges[s]
	return ok
}

// CanChangeStatus reports whether the administrative status may move from -> to.
func CanChangeStatus(from, to ProviderStatus) bool {
	for _, next := range statusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

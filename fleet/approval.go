package fleet

// ApprovalStatus tracks a ticket approval request. PENDING transitions to
// exactly one of the terminal states and never leaves it.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimeout  ApprovalStatus = "timeout"
)

// Valid reports whether s is one of the known approval statuses.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalRejected, ApprovalTimeout:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalTimeout
}

package models

// Tier represents the hierarchy level an agent or task belongs to.
type Tier string

const (
	// TierOperational is the entry tier for routine task processing.
	TierOperational Tier = "operational"
	// TierManagement reviews escalated work and high-value decisions.
	TierManagement Tier = "management"
	// TierExecutive is the final tier; exhaustion here is terminal.
	TierExecutive Tier = "executive"
)

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierOperational, TierManagement, TierExecutive:
		return true
	default:
		return false
	}
}

// Rank returns the ordinal position of the tier, starting at 0 for
// Operational. Unknown tiers rank below Operational.
func (t Tier) Rank() int {
	switch t {
	case TierOperational:
		return 0
	case TierManagement:
		return 1
	case TierExecutive:
		return 2
	default:
		return -1
	}
}

// Above returns the next tier up, or false if the tier is already
// Executive or unknown.
func (t Tier) Above() (Tier, bool) {
	switch t {
	case TierOperational:
		return TierManagement, true
	case TierManagement:
		return TierExecutive, true
	default:
		return "", false
	}
}

package confirm

// Finality is how settled an included transaction is, by confirmation depth.
type Finality int

const (
	FinalityPending Finality = iota
	FinalityConfirmed
	FinalitySafe
	FinalityFinalized
)

// Depth thresholds. They do not depend on the confirmations a caller waits for.
const (
	SafeDepth      uint64 = 6
	FinalizedDepth uint64 = 12
)

func (f Finality) String() string {
	switch f {
	case FinalityPending:
		return "pending"
	case FinalityConfirmed:
		return "confirmed"
	case FinalitySafe:
		return "safe"
	case FinalityFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Classify maps a confirmation depth to a finality level. Below required the
// transaction is still pending.
func Classify(confirmations, required uint64) Finality {
	switch {
	case confirmations < required || confirmations == 0:
		return FinalityPending
	case confirmations >= FinalizedDepth:
		return FinalityFinalized
	case confirmations >= SafeDepth:
		return FinalitySafe
	default:
		return FinalityConfirmed
	}
}

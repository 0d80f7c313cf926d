package events

import (
	"strconv"
	"time"

	"E3Kernel/internal/protocol"
)

// Kind names a state mutation.
type Kind string

const (
	// Lifecycle
	E3Requested         Kind = "E3Requested"
	E3StageChanged      Kind = "E3StageChanged"
	E3Failed            Kind = "E3Failed"
	InputPublished      Kind = "InputPublished"
	CiphertextPublished Kind = "CiphertextPublished"
	PlaintextPublished  Kind = "PlaintextPublished"
	ProgramEnabled      Kind = "ProgramEnabled"
	ProgramDisabled     Kind = "ProgramDisabled"
	SchemeEnabled       Kind = "EncryptionSchemeEnabled"
	SchemeDisabled      Kind = "EncryptionSchemeDisabled"
	RewardsDistributed  Kind = "RewardsDistributed"

	// Sortition
	RoundInitialized   Kind = "SortitionRoundInitialized"
	TicketSubmitted    Kind = "TicketSubmitted"
	NodeEvicted        Kind = "NodeEvicted"
	CommitteeFinalized Kind = "CommitteeFinalized"

	// Membership
	CiphernodeAdded    Kind = "CiphernodeAdded"
	CiphernodeRemoved  Kind = "CiphernodeRemoved"
	CommitteeRequested Kind = "CommitteeRequested"
	CommitteePublished Kind = "CommitteePublished"

	// Bonding
	LicenseBonded             Kind = "LicenseBonded"
	LicenseUnbonded           Kind = "LicenseUnbonded"
	TicketBalanceUpdated      Kind = "TicketBalanceUpdated"
	OperatorRegistered        Kind = "OperatorRegistered"
	OperatorDeregistered      Kind = "OperatorDeregistered"
	OperatorActivationChanged Kind = "OperatorActivationChanged"
	ExitClaimed               Kind = "ExitClaimed"
	OperatorSlashed           Kind = "OperatorSlashed"
	OperatorBanned            Kind = "OperatorBanned"
	OperatorUnbanned          Kind = "OperatorUnbanned"

	// Refunds
	RefundCalculated     Kind = "RefundCalculated"
	SlashedFundsQueued   Kind = "SlashedFundsQueued"
	SlashedFundsRouted   Kind = "SlashedFundsRouted"
	RequesterRefunded    Kind = "RequesterRefundClaimed"
	HonestNodeRewarded   Kind = "HonestNodeRewardClaimed"
	ProtocolShareClaimed Kind = "ProtocolShareClaimed"
	HonestNodeExcluded   Kind = "HonestNodeExcluded"

	// Slashing
	SlashPolicyUpdated Kind = "SlashPolicyUpdated"
	SlashProposed      Kind = "SlashProposed"
	SlashExecuted      Kind = "SlashExecuted"
	AppealFiled        Kind = "AppealFiled"
	AppealResolved     Kind = "AppealResolved"

	// Configuration
	ConfigChanged Kind = "ConfigChanged"

	// Tokens
	Transfer Kind = "Transfer"
	Approval Kind = "Approval"
)

// Attr is one key/value pair of an event.
type Attr struct {
	Key   string
	Value string
}

// Event is one structured, ordered state mutation record.
type Event struct {
	Seq   uint64    // Seq is assigned by the bus on publication, starting at 1
	Kind  Kind      // Kind names the mutation
	E3    uint64    // E3 is the affected instance id, 0 when not instance-scoped
	Time  time.Time // Time is the ledger time of the mutation
	Attrs []Attr    // Attrs carries before/after values
}

// Get returns the value of the named attribute.
func (e Event) Get(key string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}

	return "", false
}

// Uint returns the named attribute parsed as uint64, or 0.
func (e Event) Uint(key string) uint64 {
	v, ok := e.Get(key)
	if !ok {
		return 0
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}

	return n
}

// Str builds a string attribute.
func Str(key, value string) Attr {
	return Attr{Key: key, Value: value}
}

// Uint builds an unsigned integer attribute.
func Uint(key string, value uint64) Attr {
	return Attr{Key: key, Value: strconv.FormatUint(value, 10)}
}

// Bool builds a boolean attribute.
func Bool(key string, value bool) Attr {
	return Attr{Key: key, Value: strconv.FormatBool(value)}
}

// Addr builds an address attribute.
func Addr(key string, a protocol.Address) Attr {
	return Attr{Key: key, Value: a.String()}
}

// Time builds a timestamp attribute (unix seconds).
func Time(key string, t time.Time) Attr {
	return Attr{Key: key, Value: strconv.FormatInt(t.Unix(), 10)}
}

// Duration builds a duration attribute.
func Duration(key string, d time.Duration) Attr {
	return Attr{Key: key, Value: d.String()}
}

// Emitter records events produced by a state mutation.
type Emitter interface {
	Emit(kind Kind, e3 uint64, attrs ...Attr)
}

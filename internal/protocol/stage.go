package protocol

// Stage is the lifecycle stage of an E3 instance.
type Stage uint8

const (
	StageNone Stage = iota
	StageRequested
	StageCommitteeFinalized
	StageKeyPublished
	StageActivated
	StageCiphertextReady
	StageComplete
	StageFailed
)

var stageNames = [...]string{
	StageNone:               "None",
	StageRequested:          "Requested",
	StageCommitteeFinalized: "CommitteeFinalized",
	StageKeyPublished:       "KeyPublished",
	StageActivated:          "Activated",
	StageCiphertextReady:    "CiphertextReady",
	StageComplete:           "Complete",
	StageFailed:             "Failed",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}

	return "Unknown"
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// FailureReason records why an E3 instance failed.
type FailureReason uint8

const (
	FailureNone FailureReason = iota
	FailureCommitteeFormationTimeout
	FailureDKGTimeout
	FailureActivationWindowExpired
	FailureComputeTimeout
	FailureDecryptionTimeout
	FailureInsufficientCommitteeMembers
	FailureCommitteeSlashed
	FailureVerificationFailed
)

var failureNames = [...]string{
	FailureNone:                         "None",
	FailureCommitteeFormationTimeout:    "CommitteeFormationTimeout",
	FailureDKGTimeout:                   "DKGTimeout",
	FailureActivationWindowExpired:      "ActivationWindowExpired",
	FailureComputeTimeout:               "ComputeTimeout",
	FailureDecryptionTimeout:            "DecryptionTimeout",
	FailureInsufficientCommitteeMembers: "InsufficientCommitteeMembers",
	FailureCommitteeSlashed:             "CommitteeSlashed",
	FailureVerificationFailed:           "VerificationFailed",
}

func (r FailureReason) String() string {
	if int(r) < len(failureNames) {
		return failureNames[r]
	}

	return "Unknown"
}

package lifecycle

import (
	"time"

	"E3Kernel/internal/protocol"
)

// Deadlines are the per-stage cut-offs of one instance. Zero means unset.
type Deadlines struct {
	Committee  time.Time // Committee bounds sortition and finalization
	DKG        time.Time // DKG bounds committee key publication
	Activation time.Time // Activation is the caller-supplied latest activation time
	Input      time.Time // Input closes input submission
	Compute    time.Time // Compute bounds ciphertext output publication
	Decryption time.Time // Decryption bounds plaintext output publication
}

// Threshold is the m-of-n committee shape.
type Threshold struct {
	M uint64
	N uint64
}

// Request is the input of a new instance.
type Request struct {
	Requester        protocol.Address
	Threshold        Threshold
	Program          string
	Scheme           string
	Payment          uint64
	Seed             protocol.Hash
	ActivationExpiry time.Time
	ProgramParams    []byte
}

// Instance is one E3.
type Instance struct {
	ID               uint64
	Stage            protocol.Stage
	Requester        protocol.Address
	Threshold        Threshold
	Program          string
	Scheme           string
	Payment          uint64
	Seed             protocol.Hash
	ProgramParams    []byte
	RequestedAt      time.Time
	ActivationExpiry time.Time
	Deadlines        Deadlines

	CommitteePublicKey protocol.Hash
	Inputs             uint64
	InputsDigest       protocol.Hash
	CiphertextOutput   []byte
	PlaintextOutput    []byte

	FailureReason  protocol.FailureReason
	StageAtFailure protocol.Stage
	FailedAt       time.Time
	CompletedAt    time.Time
}

// Failed reports whether the instance reached the Failed stage.
func (i *Instance) Failed() bool {
	return i.Stage == protocol.StageFailed
}

// State is the serializable form of the coordinator, ordered by id.
type State struct {
	Instances []Instance
}

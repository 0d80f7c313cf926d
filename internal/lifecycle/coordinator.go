// Package lifecycle is the E3 state machine: stage transitions, per-stage
// deadlines and the timeout query that makes failure actionable.
package lifecycle

import (
	"fmt"
	"time"

	"E3Kernel/internal/events"
	"E3Kernel/internal/params"
	"E3Kernel/internal/protocol"
)

// Coordinator owns every instance. Instance ids are dense, starting at 1.
type Coordinator struct {
	params      *params.Params
	coordinator protocol.Address
	clock       protocol.Clock
	emitter     events.Emitter

	instances []Instance
}

// New creates a coordinator accepting transitions from coordinator.
func New(p *params.Params, coordinator protocol.Address, clock protocol.Clock, emitter events.Emitter) *Coordinator {
	return &Coordinator{
		params:      p,
		coordinator: coordinator,
		clock:       clock,
		emitter:     emitter,
	}
}

func (c *Coordinator) get(id uint64) (*Instance, error) {
	if id == 0 || id > uint64(len(c.instances)) {
		return nil, fmt.Errorf("e3 %d: %w", id, protocol.ErrE3NotFound)
	}

	return &c.instances[id-1], nil
}

// transition loads an instance and checks role, terminal state and predecessor stage.
func (c *Coordinator) transition(caller protocol.Address, id uint64, from protocol.Stage) (*Instance, error) {
	if caller != c.coordinator {
		return nil, fmt.Errorf("e3 %d: %w", id, protocol.ErrUnauthorized)
	}

	inst, err := c.get(id)
	if err != nil {
		return nil, err
	}

	switch {
	case inst.Stage == protocol.StageComplete:
		return nil, fmt.Errorf("e3 %d: %w", id, protocol.ErrE3AlreadyComplete)
	case inst.Stage == protocol.StageFailed:
		return nil, fmt.Errorf("e3 %d: %w", id, protocol.ErrE3AlreadyFailed)
	case inst.Stage != from:
		return nil, fmt.Errorf("e3 %d in %s, want %s: %w", id, inst.Stage, from, protocol.ErrInvalidStage)
	}

	return inst, nil
}

func (c *Coordinator) setStage(inst *Instance, to protocol.Stage, attrs ...events.Attr) {
	from := inst.Stage
	inst.Stage = to

	attrs = append([]events.Attr{
		events.Str("from", from.String()),
		events.Str("to", to.String()),
	}, attrs...)
	c.emitter.Emit(events.E3StageChanged, inst.ID, attrs...)
}

// OnE3Requested creates an instance in Requested and returns its id.
func (c *Coordinator) OnE3Requested(caller protocol.Address, req Request) (uint64, error) {
	if caller != c.coordinator {
		return 0, fmt.Errorf("request e3: %w", protocol.ErrUnauthorized)
	}

	if req.Threshold.M == 0 || req.Threshold.M > req.Threshold.N {
		return 0, fmt.Errorf("request e3 with threshold %d/%d: %w", req.Threshold.M, req.Threshold.N, protocol.ErrInvalidConfiguration)
	}

	now := c.clock.Now()
	if !req.ActivationExpiry.After(now) {
		return 0, fmt.Errorf("request e3 with activation expiry %s: %w", req.ActivationExpiry, protocol.ErrActivationWindowClosed)
	}

	id := uint64(len(c.instances)) + 1
	c.instances = append(c.instances, Instance{
		ID:               id,
		Stage:            protocol.StageRequested,
		Requester:        req.Requester,
		Threshold:        req.Threshold,
		Program:          req.Program,
		Scheme:           req.Scheme,
		Payment:          req.Payment,
		Seed:             req.Seed,
		ProgramParams:    append([]byte(nil), req.ProgramParams...),
		RequestedAt:      now,
		ActivationExpiry: req.ActivationExpiry,
		Deadlines: Deadlines{
			Committee: now.Add(c.params.Get().Timeouts.CommitteeFormationWindow),
		},
	})
	inst := &c.instances[id-1]

	c.emitter.Emit(events.E3Requested, id,
		events.Addr("requester", req.Requester),
		events.Uint("m", req.Threshold.M),
		events.Uint("n", req.Threshold.N),
		events.Str("program", req.Program),
		events.Str("scheme", req.Scheme),
		events.Uint("payment", req.Payment),
		events.Time("committeeDeadline", inst.Deadlines.Committee),
		events.Time("activationExpiry", req.ActivationExpiry))

	return id, nil
}

// OnCommitteeFinalized moves to CommitteeFinalized and starts the DKG window.
func (c *Coordinator) OnCommitteeFinalized(caller protocol.Address, id uint64) error {
	inst, err := c.transition(caller, id, protocol.StageRequested)
	if err != nil {
		return err
	}

	inst.Deadlines.DKG = c.clock.Now().Add(c.params.Get().Timeouts.DKGWindow)
	c.setStage(inst, protocol.StageCommitteeFinalized, events.Time("dkgDeadline", inst.Deadlines.DKG))

	return nil
}

// OnKeyPublished moves to KeyPublished; the activation deadline is the requested expiry.
func (c *Coordinator) OnKeyPublished(caller protocol.Address, id uint64, publicKeyHash protocol.Hash) error {
	inst, err := c.transition(caller, id, protocol.StageCommitteeFinalized)
	if err != nil {
		return err
	}

	inst.CommitteePublicKey = publicKeyHash
	inst.Deadlines.Activation = inst.ActivationExpiry
	c.setStage(inst, protocol.StageKeyPublished, events.Time("activationDeadline", inst.Deadlines.Activation))

	return nil
}

// OnActivated moves to Activated, opening inputs until inputDeadline.
func (c *Coordinator) OnActivated(caller protocol.Address, id uint64, inputDeadline time.Time) error {
	inst, err := c.transition(caller, id, protocol.StageKeyPublished)
	if err != nil {
		return err
	}

	now := c.clock.Now()
	if now.After(inst.Deadlines.Activation) {
		return fmt.Errorf("activate e3 %d after %s: %w", id, inst.Deadlines.Activation, protocol.ErrActivationWindowClosed)
	}

	if !inputDeadline.After(now) {
		return fmt.Errorf("activate e3 %d with input deadline %s: %w", id, inputDeadline, protocol.ErrInvalidConfiguration)
	}

	inst.Deadlines.Input = inputDeadline
	inst.Deadlines.Compute = inputDeadline.Add(c.params.Get().Timeouts.ComputeWindow)
	c.setStage(inst, protocol.StageActivated,
		events.Time("inputDeadline", inst.Deadlines.Input),
		events.Time("computeDeadline", inst.Deadlines.Compute))

	return nil
}

// OnInputPublished records one encrypted input while inputs are open.
func (c *Coordinator) OnInputPublished(caller protocol.Address, id uint64, digest protocol.Hash) error {
	inst, err := c.transition(caller, id, protocol.StageActivated)
	if err != nil {
		return err
	}

	if c.clock.Now().After(inst.Deadlines.Input) {
		return fmt.Errorf("input to e3 %d: %w", id, protocol.ErrInputDeadlinePassed)
	}

	inst.Inputs++
	inst.InputsDigest = protocol.Digest(inst.InputsDigest[:], digest[:])

	c.emitter.Emit(events.InputPublished, id,
		events.Uint("index", inst.Inputs-1),
		events.Str("digest", digest.String()),
		events.Str("inputsDigest", inst.InputsDigest.String()))

	return nil
}

// OnCiphertextPublished records the computed ciphertext once inputs closed
// and starts the decryption window.
func (c *Coordinator) OnCiphertextPublished(caller protocol.Address, id uint64, output []byte) error {
	inst, err := c.transition(caller, id, protocol.StageActivated)
	if err != nil {
		return err
	}

	now := c.clock.Now()
	if now.Before(inst.Deadlines.Input) {
		return fmt.Errorf("ciphertext for e3 %d before %s: %w", id, inst.Deadlines.Input, protocol.ErrInputDeadlineNotPassed)
	}

	inst.CiphertextOutput = append([]byte(nil), output...)
	inst.Deadlines.Decryption = now.Add(c.params.Get().Timeouts.DecryptionWindow)

	c.emitter.Emit(events.CiphertextPublished, id,
		events.Str("digest", protocol.Digest(output).String()),
		events.Uint("size", uint64(len(output))))
	c.setStage(inst, protocol.StageCiphertextReady, events.Time("decryptionDeadline", inst.Deadlines.Decryption))

	return nil
}

// OnPlaintextPublished records the decrypted result and completes the instance.
func (c *Coordinator) OnPlaintextPublished(caller protocol.Address, id uint64, output []byte) error {
	inst, err := c.transition(caller, id, protocol.StageCiphertextReady)
	if err != nil {
		return err
	}

	inst.PlaintextOutput = append([]byte(nil), output...)
	inst.CompletedAt = c.clock.Now()

	c.emitter.Emit(events.PlaintextPublished, id,
		events.Str("digest", protocol.Digest(output).String()),
		events.Uint("size", uint64(len(output))))
	c.setStage(inst, protocol.StageComplete)

	return nil
}

// CheckFailureCondition reports whether the instance missed the deadline of
// its current stage, including grace, and the matching reason.
func (c *Coordinator) CheckFailureCondition(id uint64) (bool, protocol.FailureReason) {
	inst, err := c.get(id)
	if err != nil {
		return false, protocol.FailureNone
	}

	t := c.params.Get().Timeouts

	var (
		deadline time.Time
		grace    time.Duration
		reason   protocol.FailureReason
	)

	switch inst.Stage {
	case protocol.StageRequested:
		deadline, grace, reason = inst.Deadlines.Committee, t.CommitteeFormationGrace, protocol.FailureCommitteeFormationTimeout
	case protocol.StageCommitteeFinalized:
		deadline, grace, reason = inst.Deadlines.DKG, t.DKGGrace, protocol.FailureDKGTimeout
	case protocol.StageKeyPublished:
		deadline, grace, reason = inst.Deadlines.Activation, t.ActivationGrace, protocol.FailureActivationWindowExpired
	case protocol.StageActivated:
		deadline, grace, reason = inst.Deadlines.Compute, t.ComputeGrace, protocol.FailureComputeTimeout
	case protocol.StageCiphertextReady:
		deadline, grace, reason = inst.Deadlines.Decryption, t.DecryptionGrace, protocol.FailureDecryptionTimeout
	default:
		return false, protocol.FailureNone
	}

	if c.clock.Now().After(deadline.Add(grace)) {
		return true, reason
	}

	return false, protocol.FailureNone
}

// MarkE3Failed fails an instance whose current stage deadline passed.
// Anyone may call it.
func (c *Coordinator) MarkE3Failed(id uint64) (protocol.FailureReason, error) {
	inst, err := c.get(id)
	if err != nil {
		return protocol.FailureNone, err
	}

	if err := terminalError(inst); err != nil {
		return protocol.FailureNone, err
	}

	ok, reason := c.CheckFailureCondition(id)
	if !ok {
		return protocol.FailureNone, fmt.Errorf("mark e3 %d failed in %s: %w", id, inst.Stage, protocol.ErrFailureConditionNotMet)
	}

	c.fail(inst, reason)

	return reason, nil
}

// FailE3 fails an instance directly for a reason detected outside the
// timeout query, such as an undersized or slashed committee.
func (c *Coordinator) FailE3(caller protocol.Address, id uint64, reason protocol.FailureReason) error {
	if caller != c.coordinator {
		return fmt.Errorf("fail e3 %d: %w", id, protocol.ErrUnauthorized)
	}

	inst, err := c.get(id)
	if err != nil {
		return err
	}

	if err := terminalError(inst); err != nil {
		return err
	}

	if reason == protocol.FailureNone {
		return fmt.Errorf("fail e3 %d without reason: %w", id, protocol.ErrInvalidConfiguration)
	}

	c.fail(inst, reason)

	return nil
}

func terminalError(inst *Instance) error {
	switch inst.Stage {
	case protocol.StageComplete:
		return fmt.Errorf("e3 %d: %w", inst.ID, protocol.ErrE3AlreadyComplete)
	case protocol.StageFailed:
		return fmt.Errorf("e3 %d: %w", inst.ID, protocol.ErrE3AlreadyFailed)
	}

	return nil
}

func (c *Coordinator) fail(inst *Instance, reason protocol.FailureReason) {
	inst.StageAtFailure = inst.Stage
	inst.FailureReason = reason
	inst.FailedAt = c.clock.Now()

	c.emitter.Emit(events.E3Failed, inst.ID,
		events.Str("reason", reason.String()),
		events.Str("stageAtFailure", inst.StageAtFailure.String()),
		events.Uint("payment", inst.Payment))
	c.setStage(inst, protocol.StageFailed, events.Str("reason", reason.String()))
}

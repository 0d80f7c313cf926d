package protocol

import "errors"

// Role violations.
var (
	ErrUnauthorized = errors.New("unauthorized")
)

// Lifecycle state machine guards.
var (
	ErrE3NotFound             = errors.New("e3 not found")
	ErrInvalidStage           = errors.New("invalid stage")
	ErrE3AlreadyComplete      = errors.New("e3 already complete")
	ErrE3AlreadyFailed        = errors.New("e3 already failed")
	ErrFailureConditionNotMet = errors.New("failure condition not met")
	ErrInputDeadlinePassed    = errors.New("input deadline passed")
	ErrInputDeadlineNotPassed = errors.New("input deadline not passed")
	ErrActivationWindowClosed = errors.New("activation window closed")
)

// Sortition guards.
var (
	ErrRoundExists               = errors.New("sortition round already exists")
	ErrRoundNotFound             = errors.New("sortition round not found")
	ErrInvalidTicketNumber       = errors.New("invalid ticket number")
	ErrNodeAlreadySubmitted      = errors.New("node already submitted")
	ErrNodeNotEligible           = errors.New("node not eligible")
	ErrSubmissionWindowClosed    = errors.New("submission window closed")
	ErrSubmissionWindowNotClosed = errors.New("submission window not closed")
	ErrCommitteeAlreadyFinalized = errors.New("committee already finalized")
)

// Bonding guards.
var (
	ErrNotLicensed         = errors.New("operator not licensed")
	ErrAlreadyRegistered   = errors.New("operator already registered")
	ErrNotRegistered       = errors.New("operator not registered")
	ErrExitInProgress      = errors.New("exit in progress")
	ErrExitNotReady        = errors.New("exit not ready")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrZeroAmount          = errors.New("zero amount")
	ErrOperatorBanned      = errors.New("operator banned")
)

// Membership registry guards.
var (
	ErrAlreadyMember             = errors.New("node already member")
	ErrNotMember                 = errors.New("node not member")
	ErrCommitteeNotFinalized     = errors.New("committee not finalized")
	ErrCommitteeAlreadyPublished = errors.New("committee already published")
	ErrInvalidAttestation        = errors.New("invalid committee attestation")
)

// Refund guards.
var (
	ErrRefundNotCalculated     = errors.New("refund not calculated")
	ErrRefundAlreadyCalculated = errors.New("refund already calculated")
	ErrAlreadyClaimed          = errors.New("already claimed")
	ErrNotRequester            = errors.New("not requester")
	ErrNotHonestNode           = errors.New("not honest node")
	ErrE3NotFailed             = errors.New("e3 not failed")
)

// Slashing guards.
var (
	ErrPolicyDisabled     = errors.New("slash policy disabled")
	ErrInvalidProof       = errors.New("invalid proof")
	ErrProposalNotFound   = errors.New("slash proposal not found")
	ErrAlreadyExecuted    = errors.New("slash already executed")
	ErrAppealWindowClosed = errors.New("appeal window closed")
	ErrAppealWindowOpen   = errors.New("appeal window still open")
	ErrAppealPending      = errors.New("appeal pending")
	ErrAlreadyAppealed    = errors.New("already appealed")
	ErrNoAppeal           = errors.New("no appeal filed")
	ErrSlashCancelled     = errors.New("slash cancelled by appeal")
)

// Admin and program surface.
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrProgramNotEnabled    = errors.New("e3 program not enabled")
	ErrSchemeNotEnabled     = errors.New("encryption scheme not enabled")
	ErrVerificationFailed   = errors.New("verification failed")
	ErrInsufficientPayment  = errors.New("insufficient payment")
)

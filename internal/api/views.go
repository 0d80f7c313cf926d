package api

import (
	"time"

	"E3Kernel/internal/bonding"
	"E3Kernel/internal/events"
	"E3Kernel/internal/lifecycle"
	"E3Kernel/internal/protocol"
	"E3Kernel/internal/refund"
	"E3Kernel/internal/sortition"
)

// StatusView is the kernel summary served by /status.
type StatusView struct {
	Height    uint64        `json:"height"`
	LastSeq   uint64        `json:"lastSeq"`
	Instances uint64        `json:"instances"`
	Root      protocol.Hash `json:"root"`
}

// FailureView reports whether an E3 can be marked failed now.
type FailureView struct {
	Failable bool   `json:"failable"`
	Reason   string `json:"reason"`
}

// DeadlinesView lists the stage deadlines set so far.
type DeadlinesView struct {
	Committee  *time.Time `json:"committee,omitempty"`
	DKG        *time.Time `json:"dkg,omitempty"`
	Activation *time.Time `json:"activation,omitempty"`
	Input      *time.Time `json:"input,omitempty"`
	Compute    *time.Time `json:"compute,omitempty"`
	Decryption *time.Time `json:"decryption,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}

// InstanceView is the JSON form of an E3.
type InstanceView struct {
	ID             uint64           `json:"id"`
	Stage          string           `json:"stage"`
	Requester      protocol.Address `json:"requester"`
	M              uint64           `json:"m"`
	N              uint64           `json:"n"`
	Program        string           `json:"program"`
	Scheme         string           `json:"scheme"`
	Payment        uint64           `json:"payment"`
	Inputs         uint64           `json:"inputs"`
	Deadlines      DeadlinesView    `json:"deadlines"`
	FailureReason  string           `json:"failureReason,omitempty"`
	StageAtFailure string           `json:"stageAtFailure,omitempty"`
	Plaintext      []byte           `json:"plaintext,omitempty"`
}

func newInstanceView(inst lifecycle.Instance) InstanceView {
	v := InstanceView{
		ID:        inst.ID,
		Stage:     inst.Stage.String(),
		Requester: inst.Requester,
		M:         inst.Threshold.M,
		N:         inst.Threshold.N,
		Program:   inst.Program,
		Scheme:    inst.Scheme,
		Payment:   inst.Payment,
		Inputs:    inst.Inputs,
		Plaintext: inst.PlaintextOutput,
		Deadlines: DeadlinesView{
			Committee:  optTime(inst.Deadlines.Committee),
			DKG:        optTime(inst.Deadlines.DKG),
			Activation: optTime(inst.Deadlines.Activation),
			Input:      optTime(inst.Deadlines.Input),
			Compute:    optTime(inst.Deadlines.Compute),
			Decryption: optTime(inst.Deadlines.Decryption),
		},
	}

	if inst.Failed() {
		v.FailureReason = inst.FailureReason.String()
		v.StageAtFailure = inst.StageAtFailure.String()
	}

	return v
}

// OperatorView is the JSON form of an operator record.
type OperatorView struct {
	Address          protocol.Address `json:"address"`
	LicenseBond      uint64           `json:"licenseBond"`
	TicketBalance    uint64           `json:"ticketBalance"`
	AvailableTickets uint64           `json:"availableTickets"`
	Registered       bool             `json:"registered"`
	Active           bool             `json:"active"`
	Banned           bool             `json:"banned"`
	ExitTickets      uint64           `json:"exitTickets"`
	ExitLicense      uint64           `json:"exitLicense"`
	ExitReadyAt      *time.Time       `json:"exitReadyAt,omitempty"`
}

func newOperatorView(o bonding.Operator, tickets uint64) OperatorView {
	return OperatorView{
		Address:          o.Address,
		LicenseBond:      o.LicenseBond,
		TicketBalance:    o.TicketBalance,
		AvailableTickets: tickets,
		Registered:       o.Registered,
		Active:           o.Active,
		Banned:           o.Banned,
		ExitTickets:      o.Exit.TicketAmount,
		ExitLicense:      o.Exit.LicenseAmount,
		ExitReadyAt:      optTime(o.Exit.ReadyAt),
	}
}

type EntryView struct {
	Operator protocol.Address `json:"operator"`
	Ticket   uint64           `json:"ticket"`
	Score    protocol.Hash    `json:"score"`
}

// RoundView is the JSON form of a sortition round.
type RoundView struct {
	ID          uint64             `json:"id"`
	Threshold   uint64             `json:"threshold"`
	Seed        protocol.Hash      `json:"seed"`
	Deadline    time.Time          `json:"deadline"`
	Finalized   bool               `json:"finalized"`
	Submissions int                `json:"submissions"`
	Top         []EntryView        `json:"top"`
	Committee   []protocol.Address `json:"committee,omitempty"`
}

func newRoundView(r sortition.Round) RoundView {
	v := RoundView{
		ID:          r.ID,
		Threshold:   r.Threshold,
		Seed:        r.Seed,
		Deadline:    r.Deadline,
		Finalized:   r.Finalized,
		Submissions: len(r.Submissions),
		Top:         make([]EntryView, len(r.Top)),
		Committee:   r.Committee,
	}

	for i, e := range r.Top {
		v.Top[i] = EntryView{Operator: e.Operator, Ticket: e.Ticket, Score: e.Score}
	}

	return v
}

// DistributionView is the JSON form of a refund distribution.
type DistributionView struct {
	E3               uint64             `json:"e3"`
	Requester        protocol.Address   `json:"requester"`
	OriginalPayment  uint64             `json:"originalPayment"`
	StageAtFailure   string             `json:"stageAtFailure"`
	WorkCompletedBps uint64             `json:"workCompletedBps"`
	RequesterAmount  uint64             `json:"requesterAmount"`
	HonestNodeAmount uint64             `json:"honestNodeAmount"`
	PerNodeShare     uint64             `json:"perNodeShare"`
	ProtocolAmount   uint64             `json:"protocolAmount"`
	TotalSlashed     uint64             `json:"totalSlashed"`
	HonestNodes      []protocol.Address `json:"honestNodes"`
	RequesterClaimed bool               `json:"requesterClaimed"`
	Claimed          []protocol.Address `json:"claimed"`
}

func newDistributionView(d refund.Distribution) DistributionView {
	return DistributionView{
		E3:               d.E3,
		Requester:        d.Requester,
		OriginalPayment:  d.OriginalPayment,
		StageAtFailure:   d.StageAtFailure.String(),
		WorkCompletedBps: d.WorkCompletedBps,
		RequesterAmount:  d.RequesterAmount,
		HonestNodeAmount: d.HonestNodeAmount,
		PerNodeShare:     d.PerNodeShare(),
		ProtocolAmount:   d.ProtocolAmount,
		TotalSlashed:     d.TotalSlashed,
		HonestNodes:      d.HonestNodes,
		RequesterClaimed: d.RequesterClaimed,
		Claimed:          d.Claimed,
	}
}

// EventView is the JSON form of an event; attributes become an object.
type EventView struct {
	Seq   uint64            `json:"seq"`
	Kind  string            `json:"kind"`
	E3    uint64            `json:"e3,omitempty"`
	Time  time.Time         `json:"time"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

func newEventView(e events.Event) EventView {
	v := EventView{Seq: e.Seq, Kind: string(e.Kind), E3: e.E3, Time: e.Time}
	if len(e.Attrs) > 0 {
		v.Attrs = make(map[string]string, len(e.Attrs))
		for _, a := range e.Attrs {
			v.Attrs[a.Key] = a.Value
		}
	}

	return v
}

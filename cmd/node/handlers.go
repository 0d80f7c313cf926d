package main

import (
	"E3Kernel/internal/events"
	"E3Kernel/internal/logger"
)

// logEvents logs committed events: failures and slashes at higher levels,
// everything else at debug.
func logEvents(evs []events.Event) {
	for _, ev := range evs {
		args := make([]any, 0, 6+2*len(ev.Attrs))
		args = append(args, "seq", ev.Seq, "kind", string(ev.Kind))

		if ev.E3 != 0 {
			args = append(args, "e3", ev.E3)
		}

		for _, a := range ev.Attrs {
			args = append(args, a.Key, a.Value)
		}

		switch ev.Kind {
		case events.E3Failed, events.OperatorSlashed:
			logger.Warn("event", args...)
		case events.E3Requested, events.PlaintextPublished, events.SlashExecuted, events.OperatorBanned:
			logger.Info("event", args...)
		default:
			logger.Debug("event", args...)
		}
	}
}

package eventbus

import (
	"github.com/sirupsen/logrus"
)

// LogSink renders bus events as structured logrus lines. It replaces and
// extends cmd/dupedog/dedupe.go's drainErrors, which only ever printed
// errors to stderr; this sink logs every event kind at a level chosen by
// severity, with the event's fields attached as logrus.Fields instead of
// interpolated into the message.
type LogSink struct {
	log *logrus.Logger
}

// NewLogSink wraps an existing logrus.Logger (the caller owns its
// configuration — formatter, level, output).
func NewLogSink(log *logrus.Logger) *LogSink {
	return &LogSink{log: log}
}

// Attach subscribes the sink to bus and starts a goroutine draining it
// until unsubscribe is called or the bus is closed. Mirrors
// `go drainErrors(errors)` in shape: one goroutine, runs until its input
// channel closes.
func (s *LogSink) Attach(bus *Bus) (unsubscribe func()) {
	ch, unsub := bus.Subscribe()
	go func() {
		for ev := range ch {
			s.handle(ev)
		}
	}()
	return unsub
}

func (s *LogSink) handle(ev Event) {
	switch d := ev.Data.(type) {
	case Lifecycle:
		entry := s.log.WithFields(logrus.Fields{
			"operation":      d.Operation,
			"correlation_id": d.CorrelationID,
			"stage":          d.Stage,
			"done":           d.Done,
		})
		if d.Err != nil {
			entry.WithError(d.Err).Error("lifecycle stage failed")
			return
		}
		entry.Debug("lifecycle stage")
	case StateEvent:
		s.log.WithFields(logrus.Fields{
			"operation":      d.Operation,
			"correlation_id": d.CorrelationID,
			"state_id":       d.StateID,
			"prior_state_id": d.PriorStateID,
		}).Info("state transition")
	case GuardEvent:
		entry := s.log.WithFields(logrus.Fields{
			"correlation_id": d.CorrelationID,
			"level":          d.Level,
			"discrepancy":    d.Discrepancy,
			"healed":         d.Healed,
		})
		if d.Err != nil {
			entry.WithError(d.Err).Warn("guard finding")
			return
		}
		entry.Info("guard finding")
	case Progress:
		s.log.WithFields(logrus.Fields{
			"id":        d.ID,
			"parent_id": d.ParentID,
			"current":   d.Current,
			"total":     d.Total,
		}).Trace("progress")
	default:
		s.log.WithField("kind", ev.Kind).Warn("unrecognized event")
	}
}

package radiofrontend

import (
	"strings"
	"sync"

	"github.com/opendigitalradio/dabmod-core/internal/logging"
)

// MessageHandler receives driver-level log lines independent of the
// structured AsyncEvent stream (out-of-band firmware/driver messages).
// The original ties this to a process-wide C callback registered once;
// RegisterMessageHandler reproduces that one-shot-per-process contract
// with sync.Once since a second registration would silently replace
// the first driver-side handler without the caller knowing.
type MessageHandler func(level, message string)

var (
	messageHandlerOnce sync.Once
	messageHandler     MessageHandler
)

// Init installs the process-wide driver message sink exactly once,
// matching uhd_msg_handler's single registration with
// uhd::msg::register_handler at process start.
func Init(h MessageHandler) {
	RegisterMessageHandler(h)
}

// RegisterMessageHandler installs the process-wide driver message
// handler exactly once; later calls are no-ops, matching the
// underlying driver's own singleton callback registration.
func RegisterMessageHandler(h MessageHandler) {
	messageHandlerOnce.Do(func() {
		messageHandler = h
	})
}

// classifyDriverMessage trims msg and reports whether it should be
// suppressed: uhd_msg_handler drops untyped driver messages that trim
// down to a single character ("do not print very short U messages and
// such").
func classifyDriverMessage(msg string) (trimmed string, skip bool) {
	trimmed = strings.TrimSpace(msg)
	return trimmed, len(trimmed) == 1
}

func dispatchMessage(level, message string) {
	if level == "" {
		if trimmed, skip := classifyDriverMessage(message); skip {
			return
		} else {
			message = trimmed
		}
	}
	if messageHandler != nil {
		messageHandler(level, message)
	}
}

// RunEventPrinter drains events until the channel is closed and
// classifies each one (§4.3 health monitoring: BURST_ACK ignored,
// UNDERFLOW/TIME_ERROR counted without a log line, the SEQ_ERROR family
// counted and logged as failure). counts
// is updated in place so a caller can also render a once-per-second
// summary from the same data.
func RunEventPrinter(events <-chan AsyncEvent, counts *EventCounts, logger logging.Logger) {
	for ev := range events {
		switch ev.Kind {
		case EventBurstAck:
			// ignored, not even counted
		case EventUnderflow:
			counts.addUnderflow()
		case EventTimeError:
			counts.addTimeError()
		case EventSeqError, EventUnderflowInPacket, EventSeqErrorInBurst:
			counts.addSeqError()
			logger.Error("async TX event", logging.Field{Key: "kind", Value: ev.Kind.String()})
		}
	}
}

// EventCounts accumulates async-event counters for the rc surface and
// the once-per-second summary log.
type EventCounts struct {
	mu         sync.Mutex
	underflow  uint64
	timeError  uint64
	seqError   uint64
}

func (c *EventCounts) addUnderflow() { c.mu.Lock(); c.underflow++; c.mu.Unlock() }
func (c *EventCounts) addTimeError() { c.mu.Lock(); c.timeError++; c.mu.Unlock() }
func (c *EventCounts) addSeqError()  { c.mu.Lock(); c.seqError++; c.mu.Unlock() }

// Snapshot returns the current counters.
func (c *EventCounts) Snapshot() (underflow, timeError, seqError uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.underflow, c.timeError, c.seqError
}

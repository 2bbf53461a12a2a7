package report

import (
	"time"

	"github.com/nao1215/torpeer/internal/journal"
)

// Outcome summarizes how a session's bring-up ended.
type Outcome string

const (
	// OutcomePublished means the hidden service was published.
	OutcomePublished Outcome = "published"
	// OutcomeBridgesRequested means Tor could not start with the default bridges.
	OutcomeBridgesRequested Outcome = "bridges requested"
	// OutcomeFailed means setup failed with an I/O error or a conflict.
	OutcomeFailed Outcome = "failed"
	// OutcomeShutdown means the node shut down before publishing.
	OutcomeShutdown Outcome = "shut down"
	// OutcomeInProgress means no terminal event was recorded.
	OutcomeInProgress Outcome = "in progress"
)

// eventOrder fixes the rendering order of event counts.
var eventOrder = []journal.EventKind{
	journal.EventTorReady,
	journal.EventPublished,
	journal.EventSetupFailed,
	journal.EventCustomBridgesRequested,
	journal.EventShutdown,
}

// Session is one node run.
type Session struct {
	ID       string    `json:"id"`
	Mode     string    `json:"mode"`
	Started  time.Time `json:"started"`
	Ended    time.Time `json:"ended"`
	Address  string    `json:"address,omitempty"`
	Outcome  Outcome   `json:"outcome"`
	Failures []string  `json:"failures,omitempty"`
	Events   int       `json:"events"`
}

// Duration is the time between the session's first and last event.
func (s Session) Duration() time.Duration {
	return s.Ended.Sub(s.Started)
}

// EventCount is the number of events of one kind.
type EventCount struct {
	Kind  journal.EventKind `json:"kind"`
	Count int               `json:"count"`
}

// History is the rendered view of the journal.
type History struct {
	Generated time.Time    `json:"generated"`
	Sessions  []Session    `json:"sessions"`
	Counts    []EventCount `json:"counts"`
	// LastPublished maps each mode to its most recent onion address.
	LastPublished map[string]string `json:"lastPublished"`
}

// NewHistory groups events (oldest first) into sessions in order of first
// appearance.
func NewHistory(events []journal.Event, generated time.Time) *History {
	h := &History{
		Generated:     generated,
		Sessions:      []Session{},
		LastPublished: map[string]string{},
	}

	index := map[string]int{}
	counts := map[journal.EventKind]int{}
	flags := map[string]map[journal.EventKind]bool{}

	for _, e := range events {
		counts[e.Kind]++

		i, ok := index[e.Session]
		if !ok {
			i = len(h.Sessions)
			index[e.Session] = i
			h.Sessions = append(h.Sessions, Session{ID: e.Session, Mode: e.Mode, Started: e.Timestamp})
			flags[e.Session] = map[journal.EventKind]bool{}
		}
		s := &h.Sessions[i]
		s.Ended = e.Timestamp
		s.Events++
		flags[e.Session][e.Kind] = true

		switch e.Kind {
		case journal.EventPublished:
			if e.Address != "" {
				s.Address = e.Address
				h.LastPublished[e.Mode] = e.Address
			}
		case journal.EventSetupFailed:
			failure := e.ErrorKind
			if e.Detail != "" {
				failure += ": " + e.Detail
			}
			s.Failures = append(s.Failures, failure)
		}
	}

	for i := range h.Sessions {
		h.Sessions[i].Outcome = outcome(flags[h.Sessions[i].ID])
	}
	for _, k := range eventOrder {
		if counts[k] > 0 {
			h.Counts = append(h.Counts, EventCount{Kind: k, Count: counts[k]})
		}
	}
	return h
}

func outcome(seen map[journal.EventKind]bool) Outcome {
	switch {
	case seen[journal.EventPublished]:
		return OutcomePublished
	case seen[journal.EventCustomBridgesRequested]:
		return OutcomeBridgesRequested
	case seen[journal.EventSetupFailed]:
		return OutcomeFailed
	case seen[journal.EventShutdown]:
		return OutcomeShutdown
	default:
		return OutcomeInProgress
	}
}

// Published counts sessions that published.
func (h *History) Published() int {
	n := 0
	for _, s := range h.Sessions {
		if s.Outcome == OutcomePublished {
			n++
		}
	}
	return n
}

// Failed counts sessions that ended in a failure or a bridge request.
func (h *History) Failed() int {
	n := 0
	for _, s := range h.Sessions {
		if s.Outcome == OutcomeFailed || s.Outcome == OutcomeBridgesRequested {
			n++
		}
	}
	return n
}

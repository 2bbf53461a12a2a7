package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/torpeer/internal/model"
	"github.com/nao1215/torpeer/internal/network"
	"github.com/nao1215/torpeer/internal/tor"
)

const recordTimeout = 5 * time.Second

// AddressSource reports the node address once it is known.
type AddressSource interface {
	NodeAddress() (model.NodeAddress, bool)
}

// Recorder journals the setup events of one node. Each Recorder is one
// session. Write failures are logged and never reach the node.
type Recorder struct {
	journal *Journal
	session string
	mode    string
	node    AddressSource
	logger  *slog.Logger
}

var _ network.SetupListener = (*Recorder)(nil)

// NewRecorder binds a recorder to node. mode labels every event.
func NewRecorder(j *Journal, mode string, node AddressSource, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		journal: j,
		session: uuid.NewString(),
		mode:    mode,
		node:    node,
		logger:  logger,
	}
}

// Session returns the session ID shared by this recorder's events.
func (r *Recorder) Session() string {
	return r.session
}

// OnTorNodeReady implements network.SetupListener.
func (r *Recorder) OnTorNodeReady() {
	r.record(Event{Kind: EventTorReady})
}

// OnHiddenServicePublished implements network.SetupListener.
func (r *Recorder) OnHiddenServicePublished() {
	e := Event{Kind: EventPublished}
	if addr, ok := r.node.NodeAddress(); ok {
		e.Address = addr.String()
	}
	r.record(e)
}

// OnSetupFailed implements network.SetupListener.
func (r *Recorder) OnSetupFailed(err error) {
	e := Event{Kind: EventSetupFailed, ErrorKind: tor.Classify(err).String()}
	if err != nil {
		e.Detail = err.Error()
	}
	r.record(e)
}

// OnRequestCustomBridges implements network.SetupListener.
func (r *Recorder) OnRequestCustomBridges() {
	r.record(Event{Kind: EventCustomBridgesRequested})
}

// RecordShutdown journals the end of the session.
func (r *Recorder) RecordShutdown() {
	r.record(Event{Kind: EventShutdown})
}

func (r *Recorder) record(e Event) {
	e.Session = r.session
	e.Mode = r.mode

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if _, err := r.journal.Record(ctx, e); err != nil {
		r.logger.Warn("failed to journal setup event", "event", string(e.Kind), "error", err)
	}
}

package engine

import (
	"go.uber.org/zap"
)

// syncPhase is the per-document sync state.
type syncPhase int

const (
	phaseIdle syncPhase = iota
	phaseHydrating
	phaseReplicating
	phaseSynced
	phaseTimedOut
	phaseFinalizing
)

func (p syncPhase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseHydrating:
		return "hydrating"
	case phaseReplicating:
		return "replicating"
	case phaseSynced:
		return "synced"
	case phaseTimedOut:
		return "timed_out"
	case phaseFinalizing:
		return "finalizing"
	}
	return "unknown"
}

// docSync tracks one document's progress through the state machine and keeps
// its log fields consistent.
type docSync struct {
	id    string
	phase syncPhase
	log   *zap.SugaredLogger
}

func newDocSync(docID string, logger *zap.SugaredLogger) *docSync {
	return &docSync{
		id:    docID,
		phase: phaseIdle,
		log:   logger.With("doc_id", docID),
	}
}

func (s *docSync) enter(p syncPhase) {
	s.log.Debugw("Sync state transition", "from", s.phase.String(), "to", p.String())
	s.phase = p
}

// fail returns the document to idle; all failures are soft and retried by a
// later cycle.
func (s *docSync) fail(err error) error {
	s.log.Debugw("Document sync failed", "phase", s.phase.String(), "error", err)
	s.phase = phaseIdle
	return err
}

func (s *docSync) done(outcome string, version int64) {
	if outcome == "synced" {
		s.log.Infow("Document synced", "version", version)
	} else {
		s.log.Warnw("Document sync timed out, keeping partial merge")
	}
	s.phase = phaseIdle
}

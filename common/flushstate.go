package common

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"

	"github.com/looplab/fsm"
)

// Flush phases.
const (
	phaseIdle          = "idle"
	phaseComputing     = "computing"
	phaseCascading     = "cascading"
	phaseOrdering      = "ordering"
	phaseExecuting     = "executing"
	phaseSynchronizing = "synchronizing"
)

// Phase transitions.
const (
	eventCompute     = "compute"
	eventCascade     = "cascade"
	eventOrder       = "order"
	eventExecute     = "execute"
	eventSynchronize = "synchronize"
	eventReenter     = "reenter"
	eventFinish      = "finish"
	eventAbort       = "abort"
)

// flushState tracks the phase of the running flush.
type flushState struct {
	machine *fsm.FSM
	pass    int
}

func newFlushState() *flushState {
	s := &flushState{}
	s.machine = fsm.NewFSM(
		phaseIdle,
		fsm.Events{
			{Name: eventCompute, Src: []string{phaseIdle}, Dst: phaseComputing},
			{Name: eventCascade, Src: []string{phaseComputing}, Dst: phaseCascading},
			{Name: eventOrder, Src: []string{phaseCascading}, Dst: phaseOrdering},
			{Name: eventExecute, Src: []string{phaseOrdering}, Dst: phaseExecuting},
			{Name: eventSynchronize, Src: []string{phaseExecuting}, Dst: phaseSynchronizing},
			{Name: eventReenter, Src: []string{phaseSynchronizing}, Dst: phaseComputing},
			{Name: eventFinish, Src: []string{phaseSynchronizing}, Dst: phaseIdle},
			{Name: eventAbort, Src: []string{phaseComputing, phaseCascading, phaseOrdering, phaseExecuting, phaseSynchronizing}, Dst: phaseIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug("flush phase", "from", e.Src, "to", e.Dst, "pass", s.pass)
			},
			"enter_" + phaseComputing: func(_ context.Context, e *fsm.Event) {
				s.pass++
			},
			"enter_" + phaseIdle: func(_ context.Context, e *fsm.Event) {
				s.pass = 0
			},
		},
	)
	return s
}

func (s *flushState) current() string {
	return s.machine.Current()
}

func (s *flushState) isIdle() bool {
	return s.machine.Current() == phaseIdle
}

// isExecuting reports whether writes and their hooks are running.
func (s *flushState) isExecuting() bool {
	c := s.machine.Current()
	return c == phaseExecuting || c == phaseSynchronizing
}

func (s *flushState) fire(ctx context.Context, event string) error {
	err := s.machine.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return fmt.Errorf("flush can't %s from phase %s: %w", event, s.machine.Current(), err)
	}
	return nil
}

// abort returns the machine to idle after a failed flush.
func (s *flushState) abort(ctx context.Context) {
	if !s.isIdle() {
		_ = s.machine.Event(ctx, eventAbort)
	}
}

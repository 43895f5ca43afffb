// Package steps implements named, orderable units of deferred work and the
// sequence that runs a selected subset of them. Steps are resolved by exact
// name or 1-based position; purely numeric names are therefore reserved.
package steps

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Action is the deferred work bound to a step. Arguments are captured in the
// closure when the step is declared.
type Action func(ctx context.Context) error

// Step is a named unit of deferred work.
type Step struct {
	Name   string
	Action Action
}

// New creates a step.
func New(name string, action Action) Step {
	return Step{Name: name, Action: action}
}

// Recorder is notified of step execution, typically to persist a history.
// A nil recorder disables recording.
type Recorder interface {
	// StepStarted records the start of a step and returns an identifier for
	// the execution.
	StepStarted(ctx context.Context, step string) (string, error)

	// StepFinished records the outcome of the execution identified by id.
	StepFinished(ctx context.Context, id string, stepErr error) error
}

// Selection says which steps to run, in which order. It is constructed
// explicitly at the orchestration boundary and passed in; the sequence never
// reads ambient command-line state.
type Selection struct {
	// Steps are step names or 1-based positions, run in the given order.
	Steps []string

	// All runs every declared step in declaration order when Steps is
	// empty.
	All bool
}

// ErrNoSelection is returned when neither steps nor the all flag were given.
// Callers are expected to prompt rather than silently do nothing.
var ErrNoSelection = errors.New("no steps selected")

// Sequence is an ordered collection of uniquely named steps.
type Sequence struct {
	steps    []Step
	recorder Recorder
}

// NewSequence returns an empty sequence.
func NewSequence() *Sequence {
	return &Sequence{}
}

// SetRecorder attaches a step-execution recorder.
func (s *Sequence) SetRecorder(r Recorder) {
	s.recorder = r
}

// Append adds a step. Names must be unique and non-numeric.
func (s *Sequence) Append(step Step) error {
	if step.Name == "" {
		return fmt.Errorf("step name must not be empty")
	}
	if _, err := strconv.Atoi(step.Name); err == nil {
		return fmt.Errorf("step name %q is numeric; numbers are reserved for positional lookup", step.Name)
	}
	if step.Action == nil {
		return fmt.Errorf("step %q has no action", step.Name)
	}
	for _, existing := range s.steps {
		if existing.Name == step.Name {
			return fmt.Errorf("duplicate step name %q", step.Name)
		}
	}
	s.steps = append(s.steps, step)
	return nil
}

// Steps returns the declared steps in declaration order.
func (s *Sequence) Steps() []Step {
	out := make([]Step, len(s.steps))
	copy(out, s.steps)
	return out
}

// Len returns the number of declared steps.
func (s *Sequence) Len() int {
	return len(s.steps)
}

// Get resolves a step by exact name or by 1-based position.
func (s *Sequence) Get(identifier string) (Step, error) {
	for _, step := range s.steps {
		if step.Name == identifier {
			return step, nil
		}
	}
	if pos, err := strconv.Atoi(identifier); err == nil {
		if pos < 1 || pos > len(s.steps) {
			return Step{}, fmt.Errorf("step position %d out of range 1..%d", pos, len(s.steps))
		}
		return s.steps[pos-1], nil
	}
	return Step{}, fmt.Errorf("no step named %q (steps: %s)", identifier, strings.Join(s.names(), ", "))
}

func (s *Sequence) names() []string {
	names := make([]string, len(s.steps))
	for i, step := range s.steps {
		names[i] = step.Name
	}
	return names
}

// Describe returns a numbered listing of the declared steps.
func (s *Sequence) Describe() string {
	var sb strings.Builder
	for i, step := range s.steps {
		fmt.Fprintf(&sb, "%2d. %s\n", i+1, step.Name)
	}
	return sb.String()
}

// RunSelected executes the selected steps strictly in the order given, not in
// declaration order, so a single step can be re-run without its
// predecessors. The first failing step aborts the remaining selection.
func (s *Sequence) RunSelected(ctx context.Context, sel Selection) error {
	var selected []Step
	switch {
	case len(sel.Steps) > 0:
		for _, identifier := range sel.Steps {
			step, err := s.Get(identifier)
			if err != nil {
				return err
			}
			selected = append(selected, step)
		}
	case sel.All:
		selected = s.steps
	default:
		return ErrNoSelection
	}

	for _, step := range selected {
		if err := s.runStep(ctx, step); err != nil {
			return fmt.Errorf("step %q failed: %w", step.Name, err)
		}
	}
	return nil
}

func (s *Sequence) runStep(ctx context.Context, step Step) error {
	log.Info().Str("step", step.Name).Msg("running step")

	var recordID string
	if s.recorder != nil {
		id, err := s.recorder.StepStarted(ctx, step.Name)
		if err != nil {
			log.Warn().Err(err).Str("step", step.Name).Msg("failed to record step start")
		} else {
			recordID = id
		}
	}

	stepErr := step.Action(ctx)

	if s.recorder != nil && recordID != "" {
		if err := s.recorder.StepFinished(ctx, recordID, stepErr); err != nil {
			log.Warn().Err(err).Str("step", step.Name).Msg("failed to record step outcome")
		}
	}
	return stepErr
}

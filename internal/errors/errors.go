// Package errors defines the error taxonomy used across the subscription
// router and the BPMN event-subscription behavior.
//
// Recoverable failures (a bad correlation-key expression, a transport that
// refused a send) are reported as values the caller inspects. Structural
// violations that should never happen on a healthy partition (an unknown
// workflow key, a missing boundary event) are reported as *ProcessingError:
// the owning stream processor is expected to stop committing and retry the
// record rather than paper over the inconsistency.
package errors

import (
	"errors"
	"fmt"
)

// FailureKind tags the reason a recoverable subscription failure occurred.
type FailureKind string

const (
	// ExtractValueError marks a correlation-key or expression evaluation failure.
	ExtractValueError FailureKind = "EXTRACT_VALUE_ERROR"
	// MessageNameError marks a failure evaluating a catch event's message name.
	MessageNameError FailureKind = "MESSAGE_NAME_ERROR"
)

// Failure is the recoverable-error value returned by SubscribeToEvents. It is
// never raised as a Go error; callers branch on it explicitly.
type Failure struct {
	Kind     FailureKind
	Message  string
	ScopeKey uint64
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s (scope %d)", f.Kind, f.Message, f.ScopeKey)
}

// ProcessingError is raised for structural inconsistencies: conditions
// that "must never happen" on a correctly functioning partition. Carrying it
// as an error (rather than panicking) lets the owning processor log the
// context and refuse to commit the offending record.
type ProcessingError struct {
	Context string
	Message string
}

func (e *ProcessingError) Error() string {
	if e.Context == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Context, e.Message)
}

// NoWorkflow builds the ProcessingError raised by TriggerStartEvent when the
// workflow key named by the context cannot be found.
func NoWorkflow(workflowKey uint64) *ProcessingError {
	return &ProcessingError{
		Message: fmt.Sprintf("expected to create an instance of workflow with key '%d', but no such workflow was found", workflowKey),
	}
}

// NoTriggeredEvent builds the ProcessingError raised by TriggerStartEvent when
// no event trigger is queued at the workflow-key scope.
func NoTriggeredEvent(workflowKey uint64) *ProcessingError {
	return &ProcessingError{
		Message: fmt.Sprintf("expected to create an instance of workflow with key '%d', but no triggered event could be found", workflowKey),
	}
}

// UnknownBoundaryEvent builds the ProcessingError raised when an EventTrigger
// names a boundary event that the target element does not declare. The bpmn
// behavior also returns it when TriggerStartEvent or TriggerEventSubProcess
// is given an element id that is not a declared start event or event
// sub-process.
func UnknownBoundaryEvent(elementID string) *ProcessingError {
	return &ProcessingError{
		Message: fmt.Sprintf("expected boundary event with id '%s' but not found", elementID),
	}
}

// UnknownEventBasedGatewayTarget builds the ProcessingError raised when an
// EventTrigger names a target the event-based gateway does not have an
// outgoing sequence flow to.
func UnknownEventBasedGatewayTarget(elementID string) *ProcessingError {
	return &ProcessingError{
		Message: fmt.Sprintf("expected an event attached to the event-based gateway with id '%s' but not found", elementID),
	}
}

// TopologyUnknown names the condition of no leader being known yet for a
// target partition. The router does not return it: when no leader is known,
// Router.send reports shouldAdvance = true without sending, so the caller
// advances its own state instead of blocking on topology.
var TopologyUnknown = errors.New("no leader known for target partition")

// TimeoutError is returned by FetchCreatedTopics when the bootstrap request
// could not complete within its deadline.
type TimeoutError struct {
	Deadline string
	Last     error
}

func (e *TimeoutError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("fetch created topics: timed out after %s", e.Deadline)
	}
	return fmt.Sprintf("fetch created topics: timed out after %s: %s", e.Deadline, e.Last)
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// Is reports whether err is, or wraps, a *ProcessingError, matching errors.Is/As use
// throughout the behavior package.
func Is(err error) bool {
	var pe *ProcessingError
	return errors.As(err, &pe)
}

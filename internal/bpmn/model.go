// Package bpmn implements the core event-subscription behavior: consuming
// queued EventTriggers to activate boundary events, intermediate catch
// events, event-based gateway targets, workflow start events and event
// sub-processes, deferring publication until each target scope is ready to
// receive it.
package bpmn

// BoundaryEventDeclaration is the static description of one boundary event
// attached to an activity: whether it interrupts the activity's scope when
// triggered.
type BoundaryEventDeclaration struct {
	ElementID    string
	Interrupting bool
}

// EventBasedGatewayDeclaration names the catch events an event-based
// gateway races: whichever one triggers first wins, the rest are
// implicitly abandoned by the caller unsubscribing them.
type EventBasedGatewayDeclaration struct {
	ElementID string
	Targets   []string
}

// EventSubProcessDeclaration is the static description of one event
// sub-process embedded in a flow scope.
type EventSubProcessDeclaration struct {
	ElementID    string
	Interrupting bool
}

// ElementDeclarations is the static, per-workflow catalogue of catch-event
// bearing elements the behavior needs to resolve triggers against. The
// model/BPMN-XML loader that produces these from a deployed definition is
// out of scope; tests build this catalogue by hand.
type ElementDeclarations struct {
	// BoundaryEvents maps an activity's element id to the boundary events
	// attached to it.
	BoundaryEvents map[string][]BoundaryEventDeclaration
	// EventBasedGateways maps a gateway's element id to its declaration.
	EventBasedGateways map[string]EventBasedGatewayDeclaration
	// EventSubProcesses maps a flow scope's element id to the event
	// sub-processes embedded in it.
	EventSubProcesses map[string][]EventSubProcessDeclaration
	// StartEvents lists every start event element id the workflow's root
	// element declares; TriggerStartEvent only accepts triggers naming one
	// of these.
	StartEvents []string
}

// FindBoundaryEvent returns the boundary event declaration named elementID
// among those attached to activityElementID, or ok=false if activityElementID
// declares no such boundary event.
func (d *ElementDeclarations) FindBoundaryEvent(activityElementID, elementID string) (BoundaryEventDeclaration, bool) {
	for _, b := range d.BoundaryEvents[activityElementID] {
		if b.ElementID == elementID {
			return b, true
		}
	}
	return BoundaryEventDeclaration{}, false
}

// FindEventBasedGatewayTarget reports whether gatewayElementID has an
// outgoing catch event named elementID.
func (d *ElementDeclarations) FindEventBasedGatewayTarget(gatewayElementID, elementID string) bool {
	gw, ok := d.EventBasedGateways[gatewayElementID]
	if !ok {
		return false
	}
	for _, t := range gw.Targets {
		if t == elementID {
			return true
		}
	}
	return false
}

// IsStartEvent reports whether elementID is one of the workflow's declared
// start events.
func (d *ElementDeclarations) IsStartEvent(elementID string) bool {
	for _, s := range d.StartEvents {
		if s == elementID {
			return true
		}
	}
	return false
}

// Package model holds the immutable in-memory representation of a parsed
// BPMN process: elements, sequence flows, and reusable subprocess
// definitions. The engine never mutates a Workflow after parsing.
package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ElementType identifies the BPMN node kind.
type ElementType string

const (
	StartEvent                  ElementType = "startEvent"
	EndEvent                    ElementType = "endEvent"
	IntermediateEvent           ElementType = "intermediateEvent"
	TimerIntermediateCatchEvent ElementType = "timerIntermediateCatchEvent"
	CompensationThrowEvent      ElementType = "compensationThrowEvent"

	ErrorBoundaryEvent        ElementType = "errorBoundaryEvent"
	TimerBoundaryEvent        ElementType = "timerBoundaryEvent"
	EscalationBoundaryEvent   ElementType = "escalationBoundaryEvent"
	SignalBoundaryEvent       ElementType = "signalBoundaryEvent"
	CompensationBoundaryEvent ElementType = "compensationBoundaryEvent"

	GenericTask      ElementType = "task"
	UserTask         ElementType = "userTask"
	ServiceTask      ElementType = "serviceTask"
	ScriptTask       ElementType = "scriptTask"
	SendTask         ElementType = "sendTask"
	ReceiveTask      ElementType = "receiveTask"
	ManualTask       ElementType = "manualTask"
	BusinessRuleTask ElementType = "businessRuleTask"
	AgenticTask      ElementType = "agenticTask"
	SubProcess       ElementType = "subProcess"
	CallActivity     ElementType = "callActivity"

	ExclusiveGateway ElementType = "exclusiveGateway"
	ParallelGateway  ElementType = "parallelGateway"
	InclusiveGateway ElementType = "inclusiveGateway"
)

// Element is a single node in the process graph.
type Element struct {
	ID         string         `yaml:"id" json:"id"`
	Type       ElementType    `yaml:"type" json:"type"`
	Name       string         `yaml:"name" json:"name"`
	AttachedTo string         `yaml:"attachedToRef,omitempty" json:"attachedToRef,omitempty"`
	Properties map[string]any `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// IsTask reports whether the element executes through a task runner.
func (e *Element) IsTask() bool {
	switch e.Type {
	case GenericTask, UserTask, ServiceTask, ScriptTask, SendTask, ReceiveTask,
		ManualTask, BusinessRuleTask, AgenticTask, SubProcess, CallActivity,
		TimerIntermediateCatchEvent:
		return true
	}
	return false
}

// IsGateway reports whether the element is a routing gateway.
func (e *Element) IsGateway() bool {
	switch e.Type {
	case ExclusiveGateway, ParallelGateway, InclusiveGateway:
		return true
	}
	return false
}

// IsBoundary reports whether the element is a boundary event attached to a task.
func (e *Element) IsBoundary() bool {
	switch e.Type {
	case ErrorBoundaryEvent, TimerBoundaryEvent, EscalationBoundaryEvent,
		SignalBoundaryEvent, CompensationBoundaryEvent:
		return true
	}
	return false
}

// IsEvent reports whether the element is a plain event node.
func (e *Element) IsEvent() bool {
	switch e.Type {
	case StartEvent, EndEvent, IntermediateEvent, CompensationThrowEvent:
		return true
	}
	return false
}

// StringProp returns a string property or def when absent.
func (e *Element) StringProp(key, def string) string {
	if v, ok := e.Properties[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return def
}

// BoolProp returns a boolean property or def when absent.
func (e *Element) BoolProp(key string, def bool) bool {
	if v, ok := e.Properties[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
		if s, ok := v.(string); ok {
			return s == "true" || s == "yes" || s == "1"
		}
	}
	return def
}

// IntProp returns an integer property or def when absent.
func (e *Element) IntProp(key string, def int) int {
	switch v := e.Properties[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// FloatProp returns a numeric property or def when absent.
func (e *Element) FloatProp(key string, def float64) float64 {
	switch v := e.Properties[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// MapProp returns a nested map property, or nil.
func (e *Element) MapProp(key string) map[string]any {
	if m, ok := e.Properties[key].(map[string]any); ok {
		return m
	}
	return nil
}

// Connection is a sequence flow between two elements.
type Connection struct {
	ID         string         `yaml:"id" json:"id"`
	Name       string         `yaml:"name,omitempty" json:"name,omitempty"`
	From       string         `yaml:"from" json:"from"`
	To         string         `yaml:"to" json:"to"`
	Properties map[string]any `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// Condition returns the flow's condition expression, empty for unconditional
// or default flows.
func (c *Connection) Condition() string {
	if v, ok := c.Properties["condition"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// IsDefault reports whether the flow is the gateway's default fallback.
func (c *Connection) IsDefault() bool {
	if v, ok := c.Properties["default"].(bool); ok && v {
		return true
	}
	return c.Name == "default"
}

// Graph is a self-contained set of elements and flows. Both the top-level
// process and each subprocess definition embed one.
type Graph struct {
	Elements    []*Element    `yaml:"elements" json:"elements"`
	Connections []*Connection `yaml:"connections" json:"connections"`
}

// ElementByID returns the element with the given id, or nil.
func (g *Graph) ElementByID(id string) *Element {
	for _, e := range g.Elements {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// StartEvent returns the graph's unique start event.
func (g *Graph) StartEvent() (*Element, error) {
	var start *Element
	for _, e := range g.Elements {
		if e.Type == StartEvent {
			if start != nil {
				return nil, fmt.Errorf("graph has multiple start events (%s, %s)", start.ID, e.ID)
			}
			start = e
		}
	}
	if start == nil {
		return nil, fmt.Errorf("graph has no start event")
	}
	return start, nil
}

// Outgoing returns the sequence flows leaving an element, in declaration order.
func (g *Graph) Outgoing(id string) []*Connection {
	var out []*Connection
	for _, c := range g.Connections {
		if c.From == id {
			out = append(out, c)
		}
	}
	return out
}

// Incoming returns the sequence flows entering an element.
func (g *Graph) Incoming(id string) []*Connection {
	var in []*Connection
	for _, c := range g.Connections {
		if c.To == id {
			in = append(in, c)
		}
	}
	return in
}

// OutgoingElements resolves the targets of all outgoing flows.
func (g *Graph) OutgoingElements(id string) []*Element {
	var out []*Element
	for _, c := range g.Outgoing(id) {
		if t := g.ElementByID(c.To); t != nil {
			out = append(out, t)
		}
	}
	return out
}

// Boundaries returns boundary events of the given types attached to a task,
// in declaration order.
func (g *Graph) Boundaries(taskID string, types ...ElementType) []*Element {
	var out []*Element
	for _, e := range g.Elements {
		if !e.IsBoundary() || e.AttachedTo != taskID {
			continue
		}
		if len(types) == 0 {
			out = append(out, e)
			continue
		}
		for _, t := range types {
			if e.Type == t {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// Predecessors returns the set of element ids from which the given element is
// reachable by walking sequence flows backwards. The element itself is not
// included.
func (g *Graph) Predecessors(id string) map[string]struct{} {
	seen := map[string]struct{}{}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range g.Incoming(cur) {
			if _, ok := seen[c.From]; ok {
				continue
			}
			seen[c.From] = struct{}{}
			stack = append(stack, c.From)
		}
	}
	delete(seen, id)
	return seen
}

func (g *Graph) validate(scope string) error {
	ids := make(map[string]struct{}, len(g.Elements))
	for _, e := range g.Elements {
		if e.ID == "" {
			return fmt.Errorf("%s: element with empty id", scope)
		}
		if _, dup := ids[e.ID]; dup {
			return fmt.Errorf("%s: duplicate element id %q", scope, e.ID)
		}
		ids[e.ID] = struct{}{}
	}
	for _, c := range g.Connections {
		if _, ok := ids[c.From]; !ok {
			return fmt.Errorf("%s: connection %s references unknown source %q", scope, c.ID, c.From)
		}
		if _, ok := ids[c.To]; !ok {
			return fmt.Errorf("%s: connection %s references unknown target %q", scope, c.ID, c.To)
		}
	}
	for _, e := range g.Elements {
		if e.IsBoundary() {
			target := g.ElementByID(e.AttachedTo)
			if target == nil {
				return fmt.Errorf("%s: boundary %s attached to unknown element %q", scope, e.ID, e.AttachedTo)
			}
			if !target.IsTask() {
				return fmt.Errorf("%s: boundary %s attached to non-task %q", scope, e.ID, e.AttachedTo)
			}
		}
	}
	if _, err := g.StartEvent(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}
	return nil
}

// SubProcessDef is a reusable graph referenced by a call activity.
type SubProcessDef struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Graph `yaml:",inline"`
}

// Process is the top-level process definition.
type Process struct {
	ID                    string           `yaml:"id" json:"id"`
	Name                  string           `yaml:"name" json:"name"`
	Graph                 `yaml:",inline"`
	SubProcessDefinitions []*SubProcessDef `yaml:"subProcessDefinitions,omitempty" json:"subProcessDefinitions,omitempty"`
}

// Workflow is a complete parsed workflow document.
type Workflow struct {
	Process *Process `yaml:"process" json:"process"`
}

// SubProcessDefinition looks up a subprocess definition by id.
func (w *Workflow) SubProcessDefinition(id string) *SubProcessDef {
	for _, d := range w.Process.SubProcessDefinitions {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// Validate checks graph integrity: resolvable connection endpoints, a unique
// start event, and boundary attachments pointing at tasks. Subprocess
// definitions are validated independently.
func (w *Workflow) Validate() error {
	if w.Process == nil {
		return fmt.Errorf("workflow has no process")
	}
	if err := w.Process.Graph.validate("process " + w.Process.ID); err != nil {
		return err
	}
	for _, d := range w.Process.SubProcessDefinitions {
		if err := d.Graph.validate("subprocess " + d.ID); err != nil {
			return err
		}
	}
	return nil
}

// ParseYAML parses and validates a workflow document produced by the modeler.
func ParseYAML(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}
	return &w, nil
}

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
process:
  id: order_process
  name: Order Process
  elements:
    - id: start
      type: startEvent
      name: Start
    - id: reserve
      type: serviceTask
      name: Reserve Inventory
      properties:
        resultVariable: reservation
        durationMs: 10
    - id: reserve_comp
      type: compensationBoundaryEvent
      name: Reserve Compensation
      attachedToRef: reserve
    - id: release
      type: serviceTask
      name: Release Inventory
    - id: decide
      type: exclusiveGateway
      name: Decide
    - id: ship
      type: manualTask
      name: Ship
    - id: end
      type: endEvent
      name: End
  connections:
    - id: f1
      from: start
      to: reserve
    - id: f2
      from: reserve
      to: decide
    - id: f3
      from: decide
      to: ship
      properties:
        condition: "${reservation.status} == 'ok'"
    - id: f4
      name: default
      from: decide
      to: end
    - id: f5
      from: ship
      to: end
    - id: f6
      from: reserve_comp
      to: release
  subProcessDefinitions:
    - id: sub_audit
      name: Audit
      elements:
        - id: sub_start
          type: startEvent
          name: Sub Start
        - id: sub_end
          type: endEvent
          name: Sub End
      connections:
        - id: sf1
          from: sub_start
          to: sub_end
`

func TestParseYAML(t *testing.T) {
	wf, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "Order Process", wf.Process.Name)
	assert.Len(t, wf.Process.Elements, 7)
	assert.Len(t, wf.Process.Connections, 6)

	reserve := wf.Process.ElementByID("reserve")
	require.NotNil(t, reserve)
	assert.Equal(t, ServiceTask, reserve.Type)
	assert.Equal(t, "reservation", reserve.StringProp("resultVariable", ""))
	assert.Equal(t, 10, reserve.IntProp("durationMs", 0))

	sub := wf.SubProcessDefinition("sub_audit")
	require.NotNil(t, sub)
	assert.Equal(t, "Audit", sub.Name)
	assert.Nil(t, wf.SubProcessDefinition("nope"))
}

func TestStartEvent(t *testing.T) {
	wf, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)
	start, err := wf.Process.Graph.StartEvent()
	require.NoError(t, err)
	assert.Equal(t, "start", start.ID)
}

func TestOutgoingDeclarationOrder(t *testing.T) {
	wf, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)
	out := wf.Process.Graph.Outgoing("decide")
	require.Len(t, out, 2)
	assert.Equal(t, "f3", out[0].ID)
	assert.Equal(t, "f4", out[1].ID)

	assert.NotEmpty(t, out[0].Condition())
	assert.False(t, out[0].IsDefault())
	assert.True(t, out[1].IsDefault())
}

func TestBoundaries(t *testing.T) {
	wf, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)
	g := &wf.Process.Graph

	comp := g.Boundaries("reserve", CompensationBoundaryEvent)
	require.Len(t, comp, 1)
	assert.Equal(t, "reserve_comp", comp[0].ID)
	assert.Equal(t, "reserve", comp[0].AttachedTo)

	assert.Empty(t, g.Boundaries("reserve", ErrorBoundaryEvent))
	assert.Len(t, g.Boundaries("reserve"), 1)
}

func TestPredecessors(t *testing.T) {
	wf, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)
	preds := wf.Process.Graph.Predecessors("end")

	for _, id := range []string{"start", "reserve", "decide", "ship"} {
		_, ok := preds[id]
		assert.True(t, ok, id)
	}
	_, ok := preds["end"]
	assert.False(t, ok, "element is not its own predecessor")
}

func TestValidateErrors(t *testing.T) {
	t.Run("unknown connection target", func(t *testing.T) {
		_, err := ParseYAML([]byte(`
process:
  id: p
  name: P
  elements:
    - id: start
      type: startEvent
      name: S
  connections:
    - id: f1
      from: start
      to: ghost
`))
		assert.Error(t, err)
	})

	t.Run("no start event", func(t *testing.T) {
		_, err := ParseYAML([]byte(`
process:
  id: p
  name: P
  elements:
    - id: a
      type: manualTask
      name: A
  connections: []
`))
		assert.Error(t, err)
	})

	t.Run("duplicate ids", func(t *testing.T) {
		_, err := ParseYAML([]byte(`
process:
  id: p
  name: P
  elements:
    - id: start
      type: startEvent
      name: S
    - id: start
      type: endEvent
      name: E
  connections: []
`))
		assert.Error(t, err)
	})

	t.Run("boundary attached to unknown element", func(t *testing.T) {
		_, err := ParseYAML([]byte(`
process:
  id: p
  name: P
  elements:
    - id: start
      type: startEvent
      name: S
    - id: b
      type: errorBoundaryEvent
      name: B
      attachedToRef: ghost
  connections: []
`))
		assert.Error(t, err)
	})
}

func TestElementKindPredicates(t *testing.T) {
	task := &Element{Type: ReceiveTask}
	assert.True(t, task.IsTask())
	assert.False(t, task.IsGateway())

	timer := &Element{Type: TimerIntermediateCatchEvent}
	assert.True(t, timer.IsTask(), "timer catch events run through the task dispatcher")

	gw := &Element{Type: InclusiveGateway}
	assert.True(t, gw.IsGateway())

	boundary := &Element{Type: TimerBoundaryEvent}
	assert.True(t, boundary.IsBoundary())
	assert.False(t, boundary.IsTask())

	throw := &Element{Type: CompensationThrowEvent}
	assert.True(t, throw.IsEvent())
}

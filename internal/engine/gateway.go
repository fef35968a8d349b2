package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/agui"
	"github.com/fluxbpm/engine/internal/expr"
	"github.com/fluxbpm/engine/internal/model"
	"github.com/fluxbpm/engine/internal/tasks"
)

// evalGateway returns the explicit next-set for a gateway. An empty set
// terminates the branch; the scheduler never falls back to "all outgoing"
// for gateways.
func (in *Instance) evalGateway(ctx context.Context, gw *model.Element) ([]*model.Element, error) {
	if err := in.Publish(ctx, agui.NewEvent(agui.EventGatewayEvaluating, gw.ID, map[string]any{
		"gatewayType": string(gw.Type),
	})); err != nil {
		return nil, err
	}

	outgoing := in.graph.Outgoing(gw.ID)

	switch gw.Type {
	case model.ParallelGateway:
		next := in.graph.OutgoingElements(gw.ID)
		if len(next) > 1 {
			if err := in.Publish(ctx, agui.NewEvent(agui.EventGatewayForked, gw.ID, map[string]any{
				"count": len(next),
			})); err != nil {
				return nil, err
			}
		}
		return next, nil

	case model.ExclusiveGateway:
		return in.evalExclusive(ctx, gw, outgoing)

	case model.InclusiveGateway:
		return in.evalInclusive(ctx, gw, outgoing)

	default:
		return nil, fmt.Errorf("unsupported gateway type %q", gw.Type)
	}
}

// evalExclusive takes the first flow whose condition is truthy, in
// declaration order, else the default flow. No match and no default raises
// NoMatchingFlow, which an attached error boundary may catch.
func (in *Instance) evalExclusive(ctx context.Context, gw *model.Element, outgoing []*model.Connection) ([]*model.Element, error) {
	var chosen *model.Connection
	var defaultFlow *model.Connection

	for _, flow := range outgoing {
		if flow.IsDefault() {
			if defaultFlow == nil {
				defaultFlow = flow
			}
			continue
		}
		cond := flow.Condition()
		if cond == "" {
			// A flow with no condition acts as a default candidate.
			if defaultFlow == nil {
				defaultFlow = flow
			}
			continue
		}
		ok, err := expr.EvalCondition(cond, in.vars)
		if err != nil {
			return nil, fmt.Errorf("gateway %s flow %s: %w", gw.ID, flow.ID, err)
		}
		if ok {
			chosen = flow
			break
		}
	}

	if chosen == nil {
		chosen = defaultFlow
	}
	if chosen == nil {
		return nil, &tasks.TaskError{
			Code:    "NoMatchingFlow",
			Message: fmt.Sprintf("exclusive gateway %s: no condition matched and no default flow", gw.ID),
		}
	}

	var skipped []string
	for _, flow := range outgoing {
		if flow.ID != chosen.ID {
			skipped = append(skipped, flow.To)
			in.markSkipped(flow.To)
		}
	}

	if err := in.Publish(ctx, agui.NewEvent(agui.EventGatewayPathTaken, gw.ID, map[string]any{
		"flowId":  chosen.ID,
		"target":  chosen.To,
		"skipped": skipped,
	})); err != nil {
		return nil, err
	}
	in.logger.Info("exclusive gateway path taken",
		zap.String("gateway_id", gw.ID), zap.String("flow_id", chosen.ID))

	target := in.graph.ElementByID(chosen.To)
	if target == nil {
		return nil, fmt.Errorf("gateway %s: flow %s targets unknown element %s", gw.ID, chosen.ID, chosen.To)
	}
	return []*model.Element{target}, nil
}

// evalInclusive returns every flow whose condition is truthy; none matching
// falls back to the default flow.
func (in *Instance) evalInclusive(ctx context.Context, gw *model.Element, outgoing []*model.Connection) ([]*model.Element, error) {
	var matched []*model.Connection
	var defaultFlow *model.Connection

	for _, flow := range outgoing {
		if flow.IsDefault() {
			if defaultFlow == nil {
				defaultFlow = flow
			}
			continue
		}
		cond := flow.Condition()
		if cond == "" {
			// Unconditional flows always carry a token on inclusive splits.
			matched = append(matched, flow)
			continue
		}
		ok, err := expr.EvalCondition(cond, in.vars)
		if err != nil {
			return nil, fmt.Errorf("gateway %s flow %s: %w", gw.ID, flow.ID, err)
		}
		if ok {
			matched = append(matched, flow)
		}
	}

	if len(matched) == 0 && defaultFlow != nil {
		matched = append(matched, defaultFlow)
	}

	taken := make(map[string]struct{}, len(matched))
	next := make([]*model.Element, 0, len(matched))
	flowIDs := make([]string, 0, len(matched))
	for _, flow := range matched {
		taken[flow.ID] = struct{}{}
		flowIDs = append(flowIDs, flow.ID)
		target := in.graph.ElementByID(flow.To)
		if target == nil {
			return nil, fmt.Errorf("gateway %s: flow %s targets unknown element %s", gw.ID, flow.ID, flow.To)
		}
		next = append(next, target)
	}
	for _, flow := range outgoing {
		if _, ok := taken[flow.ID]; !ok {
			in.markSkipped(flow.To)
		}
	}

	eventType := agui.EventGatewayPathTaken
	data := map[string]any{"flows": flowIDs}
	if len(next) > 1 {
		eventType = agui.EventGatewayForked
		data["count"] = len(next)
	} else if len(flowIDs) == 1 {
		data["flowId"] = flowIDs[0]
	}
	if err := in.Publish(ctx, agui.NewEvent(eventType, gw.ID, data)); err != nil {
		return nil, err
	}
	return next, nil
}

func (in *Instance) markSkipped(elementID string) {
	in.mu.Lock()
	in.skipped[elementID] = struct{}{}
	in.mu.Unlock()
}

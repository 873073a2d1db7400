package ability

import (
	"fmt"

	"puppetmaster/internal/sim/catalogs"
	"puppetmaster/internal/sim/navgrid"
	"puppetmaster/internal/sim/tasks"
)

// buildTask makes the task for t. For MOVE_TO it also returns the resolved
// goal.
func (c *Controller) buildTask(t catalogs.TaskTemplate, target *navgrid.Vec2) (tasks.Task, *navgrid.Vec2, error) {
	switch t.Kind {
	case tasks.KindWait:
		return tasks.NewWait(t.Duration.D()), nil, nil
	case tasks.KindHold:
		return tasks.Hold{}, nil, nil
	case tasks.KindWaitConfirm:
		return tasks.WaitConfirm{}, nil, nil
	case tasks.KindPlayEffect:
		return tasks.NewPlayEffect(c.agent, t.Effect, t.Duration.D()), nil, nil
	case tasks.KindModifyAttribute:
		return &tasks.ModifyAttribute{Host: c.agent, Attribute: t.Attribute, Delta: t.Amount}, nil, nil
	case tasks.KindMoveOnConfirm:
		return &tasks.MoveOnConfirm{Host: c.agent, Initial: target}, nil, nil
	case tasks.KindMoveTo:
		var goal navgrid.Vec2
		switch {
		case t.ActivationTarget:
			if target == nil {
				return nil, nil, ErrMissingTarget
			}
			goal = *target
		default:
			goal = navgrid.Vec2{X: t.Target[0], Y: t.Target[1]}
		}
		if t.Relative {
			goal = c.agent.Position().Add(goal)
		}
		task, err := c.agent.RequestMove(goal)
		return task, &goal, err
	}
	return nil, nil, fmt.Errorf("unsupported task kind %q", t.Kind)
}

// failing stands in for a task the agent refused to build, so the refusal
// goes through the instance's normal failure path.
func failing(kind tasks.Kind, err error) tasks.Task {
	return &tasks.Func{
		K:       kind,
		OnStart: func() (bool, error) { return false, err },
	}
}

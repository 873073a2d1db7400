package ability

import (
	"fmt"
	"sort"
	"time"

	"puppetmaster/internal/sim/navgrid"
	"puppetmaster/internal/sim/tasks"
)

// SavedState is the live part of a controller that a snapshot carries:
// running instances with their tasks and both handle counters.
type SavedState struct {
	LastHandle     Handle
	LastTaskHandle tasks.Handle
	Instances      []SavedInstance
}

type SavedInstance struct {
	Handle    Handle
	AbilityID string
	Elapsed   time.Duration
	Target    *navgrid.Vec2
	FailErr   string // set once a task failed under FailContinue
	Tasks     []SavedTask
}

// SavedTask is one unfinished task. Index is its position in the ability's
// task list.
type SavedTask struct {
	Index      int
	Handle     tasks.Handle
	State      tasks.State
	MoveTarget *navgrid.Vec2
	Data       []byte
}

// restoredFailure keeps the message of a failure read back from a snapshot
// and still reports as a task failure.
type restoredFailure string

func (e restoredFailure) Error() string { return string(e) }
func (e restoredFailure) Unwrap() error { return tasks.ErrTaskFailed }

// Counters returns the last instance and task handles issued.
func (c *Controller) Counters() (Handle, tasks.Handle) { return c.next, c.rt.LastHandle() }

// Save captures live instances in activation order.
func (c *Controller) Save() (SavedState, error) {
	out := SavedState{LastHandle: c.next, LastTaskHandle: c.rt.LastHandle()}
	for _, h := range c.order {
		inst := c.instances[h]
		si := SavedInstance{
			Handle:    inst.handle,
			AbilityID: inst.def.ID,
			Elapsed:   inst.elapsed,
			Target:    inst.target,
		}
		if inst.failed && inst.failErr != nil {
			si.FailErr = inst.failErr.Error()
		}
		for i, th := range inst.tasks {
			task, st, ok := c.rt.Task(th)
			if !ok || st.Terminal() {
				continue
			}
			saved := SavedTask{Index: i, Handle: th, State: st}
			if goal, ok := inst.moves[i]; ok {
				saved.MoveTarget = &goal
			}
			if sf, ok := task.(tasks.Stateful); ok && st == tasks.Active {
				b, err := sf.SaveState()
				if err != nil {
					return SavedState{}, fmt.Errorf("save %s[%d] %s: %w", inst.def.ID, i, task.Kind(), err)
				}
				saved.Data = b
			}
			si.Tasks = append(si.Tasks, saved)
		}
		out.Instances = append(out.Instances, si)
	}
	return out, nil
}

// Restore rebuilds saved instances on a controller with none running. No
// lifecycle events are emitted and active tasks are not started again.
func (c *Controller) Restore(s SavedState) error {
	if len(c.instances) > 0 {
		return fmt.Errorf("restore: controller already has %d live instances", len(c.instances))
	}
	type restoredTask struct {
		handle tasks.Handle
		owner  uint64
		task   tasks.Task
		state  tasks.State
	}
	var all []restoredTask

	saved := append([]SavedInstance(nil), s.Instances...)
	sort.Slice(saved, func(i, j int) bool { return saved[i].Handle < saved[j].Handle })
	last := s.LastHandle
	for _, si := range saved {
		if _, dup := c.instances[si.Handle]; dup || si.Handle == 0 {
			return fmt.Errorf("restore: bad instance handle %d", si.Handle)
		}
		def, err := c.store.Lookup(si.AbilityID)
		if err != nil {
			return fmt.Errorf("restore instance %d: %w", si.Handle, err)
		}
		inst := &instance{
			handle:  si.Handle,
			def:     def,
			tasks:   make([]tasks.Handle, len(def.Tasks)),
			elapsed: si.Elapsed,
			target:  si.Target,
			state:   InstanceActive,
		}
		if si.FailErr != "" {
			inst.failed = true
			inst.failErr = restoredFailure(si.FailErr)
		}
		for _, st := range si.Tasks {
			if st.Index < 0 || st.Index >= len(def.Tasks) {
				return fmt.Errorf("restore %s: task index %d out of range", def.ID, st.Index)
			}
			task, err := c.restoreTask(inst, st)
			if err != nil {
				return fmt.Errorf("restore %s[%d]: %w", def.ID, st.Index, err)
			}
			inst.tasks[st.Index] = st.Handle
			inst.open++
			all = append(all, restoredTask{handle: st.Handle, owner: uint64(si.Handle), task: task, state: st.State})
		}
		c.link(inst)
		if si.Handle > last {
			last = si.Handle
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].handle < all[j].handle })
	for _, rt := range all {
		if err := c.rt.Restore(rt.handle, rt.owner, rt.task, rt.state); err != nil {
			return err
		}
	}
	c.next = last
	c.rt.SetLastHandle(s.LastTaskHandle)
	return nil
}

func (c *Controller) restoreTask(inst *instance, st SavedTask) (tasks.Task, error) {
	tmpl := inst.def.Tasks[st.Index]
	var task tasks.Task
	var err error
	if st.MoveTarget != nil {
		task, err = c.agent.RequestMove(*st.MoveTarget)
		if inst.moves == nil {
			inst.moves = map[int]navgrid.Vec2{}
		}
		inst.moves[st.Index] = *st.MoveTarget
	} else {
		task, _, err = c.buildTask(tmpl, inst.target)
	}
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%s: agent returned no task", tmpl.Kind)
	}
	if st.State != tasks.Active || len(st.Data) == 0 {
		return task, nil
	}
	sf, ok := task.(tasks.Stateful)
	if !ok {
		return nil, fmt.Errorf("%s: saved state for a stateless task", tmpl.Kind)
	}
	if err := sf.RestoreState(st.Data); err != nil {
		return nil, err
	}
	return task, nil
}

package world

// WorldMetrics is a thread-safe read-only view of key world runtime signals.
// It is updated from the world loop goroutine and read from HTTP handlers/tests.
type WorldMetrics struct {
	Tick uint64 `json:"tick"`

	Agents  int `json:"agents"`
	Clients int `json:"clients"`

	ActiveAbilities int `json:"active_abilities"`
	RunningTasks    int `json:"running_tasks"`
	Moving          int `json:"moving"`

	Activations uint64            `json:"activations_total"`
	Rejections  map[string]uint64 `json:"rejections_total,omitempty"`

	QueueDepths QueueDepths `json:"queue_depths"`

	StepMS float64 `json:"step_ms"`
}

type QueueDepths struct {
	Inbox    int `json:"inbox"`
	Join     int `json:"join"`
	Leave    int `json:"leave"`
	Attach   int `json:"attach"`
	Activate int `json:"activate"`
}

func (w *World) collectMetrics(nextTick uint64, stepMS float64) WorldMetrics {
	m := WorldMetrics{
		Tick:        nextTick,
		Agents:      len(w.agents),
		Clients:     len(w.clients),
		Activations: w.activations,
		QueueDepths: QueueDepths{
			Inbox:    len(w.inbox),
			Join:     len(w.join),
			Leave:    len(w.leave),
			Attach:   len(w.attach),
			Activate: len(w.activate),
		},
		StepMS: stepMS,
	}
	for _, p := range w.agents {
		for _, inst := range p.ctl.Active() {
			m.ActiveAbilities++
			m.RunningTasks += len(inst.Tasks)
		}
		if p.Moving() {
			m.Moving++
		}
	}
	if len(w.rejections) > 0 {
		m.Rejections = make(map[string]uint64, len(w.rejections))
		for k, v := range w.rejections {
			m.Rejections[k] = v
		}
	}
	return m
}

func (w *World) Metrics() WorldMetrics {
	if w == nil {
		return WorldMetrics{}
	}
	v := w.metrics.Load()
	if v == nil {
		return WorldMetrics{}
	}
	m, ok := v.(WorldMetrics)
	if !ok {
		return WorldMetrics{}
	}
	return m
}

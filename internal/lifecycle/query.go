package lifecycle

import (
	"E3Kernel/internal/protocol"
)

// Instance returns a copy of the instance.
func (c *Coordinator) Instance(id uint64) (Instance, error) {
	inst, err := c.get(id)
	if err != nil {
		return Instance{}, err
	}

	return *inst, nil
}

// Stage returns the current stage, or StageNone for an unknown id.
func (c *Coordinator) Stage(id uint64) protocol.Stage {
	inst, err := c.get(id)
	if err != nil {
		return protocol.StageNone
	}

	return inst.Stage
}

// Deadlines returns the deadlines of the instance.
func (c *Coordinator) Deadlines(id uint64) (Deadlines, error) {
	inst, err := c.get(id)
	if err != nil {
		return Deadlines{}, err
	}

	return inst.Deadlines, nil
}

// Count returns the number of instances ever requested.
func (c *Coordinator) Count() uint64 {
	return uint64(len(c.instances))
}

// Export returns the serializable state.
func (c *Coordinator) Export() State {
	return State{Instances: append([]Instance(nil), c.instances...)}
}

// Import replaces the state.
func (c *Coordinator) Import(s State) {
	c.instances = append([]Instance(nil), s.Instances...)
}

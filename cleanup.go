package vkrt

// undo collects release steps of a multi-step constructor. run releases
// them in reverse order unless keep was called first.
//
//	var u undo
//	defer u.run()
//	u.add(func() { ... })
//	...
//	u.keep()
type undo struct {
	steps []func()
}

func (u *undo) add(step func()) { u.steps = append(u.steps, step) }

// keep marks construction successful.
func (u *undo) keep() { u.steps = nil }

func (u *undo) run() {
	for i := len(u.steps) - 1; i >= 0; i-- {
		u.steps[i]()
	}
	u.steps = nil
}

package solver

// Binding is a handle to a region registered with a context. The context
// owns it; holders only reference it and must check Valid before use.
type Binding struct {
	ID       int
	Location Location
	ElemSize int
	Stride   int
	Width    int
	Height   int

	region     Region
	table      *BindingTable
	generation uint64
}

// Valid reports whether the binding still belongs to the problem currently
// loaded in its context.
func (b *Binding) Valid() bool {
	return b != nil && b.table != nil && b.generation == b.table.generation
}

// Region returns the memory the binding refers to.
func (b *Binding) Region() Region {
	return b.region
}

// BindingTable tracks the bindings of the currently loaded problem.
// Reset starts a new generation, which turns every earlier binding stale.
type BindingTable struct {
	generation uint64
	bindings   []*Binding
}

// Add registers region and returns its binding.
func (t *BindingTable) Add(region Region) *Binding {
	b := &Binding{
		ID:         len(t.bindings),
		Location:   region.Location,
		ElemSize:   region.ElemSize,
		Stride:     region.Stride,
		Width:      region.Width,
		Height:     region.Height,
		region:     region,
		table:      t,
		generation: t.generation,
	}
	t.bindings = append(t.bindings, b)
	return b
}

// Reset drops every binding.
func (t *BindingTable) Reset() {
	t.generation++
	t.bindings = nil
}

// Len returns the number of live bindings.
func (t *BindingTable) Len() int {
	return len(t.bindings)
}

// At returns the live bindings at location in registration order.
func (t *BindingTable) At(location Location) []*Binding {
	var out []*Binding
	for _, b := range t.bindings {
		if b.Location == location {
			out = append(out, b)
		}
	}
	return out
}

package measure

// Item is a Measurable assembled from explicit measure bindings.
// Bind is not safe for concurrent use; finish binding before the item is
// registered with a telemetry service.
type Item struct {
	id          int
	typ         string
	description string
	measures    []Measure
	sources     map[Measure]Source
}

// NewItem creates an item with no measures.
func NewItem(id int, typ, description string) *Item {
	return &Item{
		id:          id,
		typ:         typ,
		description: description,
		sources:     make(map[Measure]Source),
	}
}

// Bind attaches src to measure m. Rebinding a measure replaces its source
// and keeps its original position.
func (i *Item) Bind(m Measure, src Source) *Item {
	if _, exists := i.sources[m]; !exists {
		i.measures = append(i.measures, m)
	}
	i.sources[m] = src
	return i
}

// ID implements Measurable.
func (i *Item) ID() int { return i.id }

// Type implements Measurable.
func (i *Item) Type() string { return i.typ }

// Description implements Measurable.
func (i *Item) Description() string { return i.description }

// Measures implements Measurable.
func (i *Item) Measures() []Measure {
	out := make([]Measure, len(i.measures))
	copy(out, i.measures)
	return out
}

// ValueOf implements Measurable.
func (i *Item) ValueOf(m Measure) (Source, bool) {
	src, ok := i.sources[m]
	return src, ok
}

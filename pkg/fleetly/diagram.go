package fleetly

import (
	"fmt"
	"strings"
)

// MakeDiagram renders the graph as PlantUML-flavored text: a block of
// entity declarations (one per stage, tagged with its shape) followed
// by a block of relations (one arrow per edge), in registration order.
// The two-part layout matches how the original runtime emitted it, and
// is kept distinct so either block can be diffed on its own.
func (g *Graph) MakeDiagram() string {
	var objs, rels []string

	for _, st := range g.order {
		objs = append(objs, fmt.Sprintf("entity %s <<%s>>", st.name, st.kind))
		for _, child := range st.out {
			rels = append(rels, fmt.Sprintf("%s --> %s", st.name, child.name))
		}
	}

	var b strings.Builder
	b.WriteString("@startuml\n")
	for _, line := range objs {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	for _, line := range rels {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("@enduml\n")
	return b.String()
}

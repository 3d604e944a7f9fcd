package engine

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ReferenceResolver translates an identifier found in an artifact body to
// the display name of the artifact it targets.
type ReferenceResolver interface {
	ResolveReference(id string, mode LookupMode) (string, bool)
}

// DependencyResolver orders pipelines so that every pipeline is deployed
// after the pipelines it invokes.
type DependencyResolver struct {
	resolver ReferenceResolver
	mode     LookupMode
	logger   zerolog.Logger

	// nodes holds pipeline names in discovery order.
	nodes []string

	// index maps lower-cased names to their position in nodes.
	index map[string]int

	// invokes maps a pipeline to the pipelines its body invokes.
	invokes map[string][]string

	// invokedBy maps a pipeline to the pipelines invoking it.
	invokedBy map[string][]string
}

// NewDependencyResolver creates a resolver. References are translated with
// resolver in the given lookup space; a nil resolver matches references
// against pipeline names directly.
func NewDependencyResolver(resolver ReferenceResolver, mode LookupMode, logger zerolog.Logger) *DependencyResolver {
	if mode == "" {
		mode = LookupRepository
	}
	return &DependencyResolver{
		resolver: resolver,
		mode:     mode,
		logger:   logger.With().Str("component", "dependency-resolver").Logger(),
	}
}

// Order returns the pipeline names in deployment order. Pipelines with no
// ordering constraint between them keep their input order.
func (d *DependencyResolver) Order(pipelines []PipelineBody) ([]string, error) {
	if err := d.build(pipelines); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(d.nodes))
	queue := make([]string, 0, len(d.nodes))
	for _, name := range d.nodes {
		inDegree[name] = len(d.invokes[name])
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	order := make([]string, 0, len(d.nodes))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)

		for _, caller := range d.invokedBy[name] {
			inDegree[caller]--
			if inDegree[caller] == 0 {
				queue = append(queue, caller)
			}
		}
	}

	if len(order) < len(d.nodes) {
		cycle := d.findCycle(inDegree)
		return nil, NewPermanentError(
			fmt.Sprintf("circular pipeline dependency detected: %s", formatCycle(cycle)), nil).
			WithCode(ErrCodeCyclicDependency).
			WithDetail("cycle", cycle).
			WithDetail("ordered", len(order)).
			WithDetail("total", len(d.nodes))
	}

	d.logger.Debug().Strs("order", order).Int("edges", len(d.Edges())).Msg("Computed pipeline order")
	return order, nil
}

// build indexes the pipelines and discovers their edges.
func (d *DependencyResolver) build(pipelines []PipelineBody) error {
	d.nodes = make([]string, 0, len(pipelines))
	d.index = make(map[string]int, len(pipelines))
	d.invokes = make(map[string][]string, len(pipelines))
	d.invokedBy = make(map[string][]string, len(pipelines))

	for _, p := range pipelines {
		if p.Name == "" {
			return NewValidationError("pipeline has an empty name", nil)
		}
		key := strings.ToLower(p.Name)
		if _, exists := d.index[key]; exists {
			return NewValidationError(fmt.Sprintf("duplicate pipeline name: %s", p.Name), nil).WithResource(p.Name)
		}
		d.index[key] = len(d.nodes)
		d.nodes = append(d.nodes, p.Name)
	}

	for _, p := range pipelines {
		if len(p.Body) == 0 {
			continue
		}
		doc, err := ParseDocument(p.Body)
		if err != nil {
			return NewValidationError("pipeline body is not valid JSON", err).WithResource(p.Name)
		}

		seen := make(map[string]bool)
		for _, ref := range PipelineReferences(doc) {
			target, ok := d.lookup(ref)
			if !ok {
				d.logger.Debug().Str("pipeline", p.Name).Str("reference", ref).Msg("Ignoring reference outside the pipeline set")
				continue
			}
			if seen[target] {
				continue
			}
			seen[target] = true
			d.invokes[p.Name] = append(d.invokes[p.Name], target)
			d.invokedBy[target] = append(d.invokedBy[target], p.Name)
		}
	}

	return nil
}

// lookup resolves a reference to a pipeline in the current set.
func (d *DependencyResolver) lookup(ref string) (string, bool) {
	name := ref
	if d.resolver != nil {
		if resolved, ok := d.resolver.ResolveReference(ref, d.mode); ok {
			name = resolved
		}
	}
	i, ok := d.index[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return d.nodes[i], true
}

// findCycle returns one cycle among the nodes Kahn's algorithm could not
// release, closed with its first node.
func (d *DependencyResolver) findCycle(inDegree map[string]int) []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var visit func(name string) []string
	visit = func(name string) []string {
		visited[name] = true
		onStack[name] = true
		path = append(path, name)

		for _, next := range d.invokes[name] {
			if onStack[next] {
				for i, n := range path {
					if n == next {
						cycle := append([]string{}, path[i:]...)
						return append(cycle, next)
					}
				}
			}
			if !visited[next] {
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}

		onStack[name] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, name := range d.nodes {
		if inDegree[name] > 0 && !visited[name] {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Edges returns the discovered edges in discovery order.
func (d *DependencyResolver) Edges() []DependencyEdge {
	var edges []DependencyEdge
	for _, from := range d.nodes {
		for _, to := range d.invokes[from] {
			edges = append(edges, DependencyEdge{From: from, To: to})
		}
	}
	return edges
}

// ToDOT renders the graph of the last Order call for Graphviz. Edges point
// from the invoking pipeline to the invoked one.
func (d *DependencyResolver) ToDOT() string {
	return RenderDOT(d.nodes, d.Edges())
}

// RenderDOT renders a pipeline dependency graph for Graphviz. Pipelines
// that invoke nothing are drawn green.
func RenderDOT(nodes []string, edges []DependencyEdge) string {
	var sb strings.Builder

	invokes := make(map[string]bool, len(edges))
	for _, e := range edges {
		invokes[e.From] = true
	}

	sb.WriteString("digraph PipelineDependencies {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, name := range nodes {
		color := "lightblue"
		if !invokes[name] {
			color = "lightgreen"
		}
		sb.WriteString(fmt.Sprintf("  %q [fillcolor=%q, style=\"filled,rounded\"];\n", name, color))
	}
	if len(nodes) > 0 {
		sb.WriteString("\n")
	}
	for _, e := range edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q;\n", e.From, e.To))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

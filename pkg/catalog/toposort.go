package catalog

import (
	"github.com/colonyhq/colony/pkg/models"
)

// TopologicalOrder computes the execution order of a definition as levels of
// simultaneously-runnable step names. Each round removes every step whose
// dependencies are already satisfied; ties within a level keep declaration
// order, so identical input always yields identical output. A round that
// makes no progress means a cycle, reported with the smallest cyclic set
// found.
func TopologicalOrder(def *models.WorkflowDefinition) ([][]string, error) {
	remaining := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		remaining[step.Name] = struct{}{}
	}

	levels := make([][]string, 0)

	for len(remaining) > 0 {
		level := make([]string, 0)

		for _, step := range def.Steps {
			if _, pending := remaining[step.Name]; !pending {
				continue
			}

			satisfied := true

			for _, dep := range step.DependsOn {
				if _, pending := remaining[dep]; pending {
					satisfied = false

					break
				}
			}

			if satisfied {
				level = append(level, step.Name)
			}
		}

		if len(level) == 0 {
			return nil, &CycleError{
				Workflow: def.Name,
				Steps:    smallestCycle(def, remaining),
			}
		}

		for _, name := range level {
			delete(remaining, name)
		}

		levels = append(levels, level)
	}

	return levels, nil
}

// smallestCycle finds a shortest cycle among the un-removable steps via BFS
// over depends_on edges restricted to the remaining set.
func smallestCycle(def *models.WorkflowDefinition, remaining map[string]struct{}) []string {
	edges := make(map[string][]string, len(remaining))

	for _, step := range def.Steps {
		if _, pending := remaining[step.Name]; !pending {
			continue
		}

		for _, dep := range step.DependsOn {
			if _, pending := remaining[dep]; pending {
				edges[step.Name] = append(edges[step.Name], dep)
			}
		}
	}

	var best []string

	for _, step := range def.Steps {
		start := step.Name
		if _, pending := remaining[start]; !pending {
			continue
		}

		// BFS from start back to itself.
		type queued struct {
			node string
			path []string
		}

		visited := map[string]struct{}{start: {}}
		queue := []queued{{node: start, path: []string{start}}}

		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]

			for _, next := range edges[current.node] {
				if next == start {
					cycle := append(append([]string(nil), current.path...), start)
					if best == nil || len(cycle) < len(best) {
						best = cycle
					}

					continue
				}

				if _, seen := visited[next]; seen {
					continue
				}

				visited[next] = struct{}{}
				queue = append(queue, queued{node: next, path: append(append([]string(nil), current.path...), next)})
			}
		}
	}

	return best
}

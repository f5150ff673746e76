package plugin

// SortByDependencies orders ids so that every id comes after the ids it
// depends on. Only dependencies inside ids are followed. Input order breaks
// ties. A cycle fails with *DependencyCycleError.
func SortByDependencies(ids []string, depsOf func(id string) []string) ([]string, error) {
	requested := make(map[string]bool, len(ids))
	for _, id := range ids {
		requested[id] = true
	}

	const (
		unvisited = iota
		visiting
		done
	)
	color := make(map[string]int, len(ids))
	order := make([]string, 0, len(ids))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), id)
			return &DependencyCycleError{Cycle: cycle}
		}

		color[id] = visiting
		path = append(path, id)
		for _, dep := range depsOf(id) {
			if !requested[dep] {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[id] = done
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if color[id] == unvisited {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// reversed returns a reversed copy of ids.
func reversed(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}

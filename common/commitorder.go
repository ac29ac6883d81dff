package common

// commitOrderCalculator sorts classes so that every class comes after the classes it depends on.
// Cycles are broken by dropping the back edge met first, following the order classes were added.
type commitOrderCalculator struct {
	classes []string
	known   map[string]bool
	// dependencies lists, per dependent class, the classes it depends on in the order added.
	dependencies map[string][]string
}

func newCommitOrderCalculator() *commitOrderCalculator {
	return &commitOrderCalculator{
		known:        make(map[string]bool),
		dependencies: make(map[string][]string),
	}
}

func (c *commitOrderCalculator) addClass(class string) {
	if c.known[class] {
		return
	}
	c.known[class] = true
	c.classes = append(c.classes, class)
}

// addDependency records that dependent must be written after dependency.
func (c *commitOrderCalculator) addDependency(dependent, dependency string) {
	if dependent == dependency || !c.known[dependent] || !c.known[dependency] {
		return
	}
	for _, d := range c.dependencies[dependent] {
		if d == dependency {
			return
		}
	}
	c.dependencies[dependent] = append(c.dependencies[dependent], dependency)
}

const (
	notVisited = iota
	inProgress
	visited
)

// order returns the classes, dependencies first. Independent classes keep the order they were added.
func (c *commitOrderCalculator) order() []string {
	state := make(map[string]int, len(c.classes))
	sorted := make([]string, 0, len(c.classes))
	var visit func(class string)
	visit = func(class string) {
		state[class] = inProgress
		for _, d := range c.dependencies[class] {
			// An in progress dependency closes a cycle; its edge is dropped.
			if state[d] == notVisited {
				visit(d)
			}
		}
		state[class] = visited
		sorted = append(sorted, class)
	}
	for _, class := range c.classes {
		if state[class] == notVisited {
			visit(class)
		}
	}
	return sorted
}

package loader

import (
	"github.com/pkg/errors"

	"github.com/zeusync/hotswap/pkg/sequence"
)

// Graph records which loaded module depends on which. It is not safe for
// concurrent use; the loader guards it.
type Graph struct {
	deps map[string][]string
}

func NewGraph() *Graph {
	return &Graph{deps: make(map[string][]string)}
}

func (g *Graph) Has(name string) bool {
	_, ok := g.deps[name]
	return ok
}

// Add inserts name after checking that every dependency is present.
func (g *Graph) Add(name string, deps []string) error {
	if g.Has(name) {
		return errors.Wrap(ErrAlreadyLoaded, name)
	}
	return g.set(name, deps)
}

// Replace swaps the dependencies of an existing node, as a reload does.
func (g *Graph) Replace(name string, deps []string) error {
	if !g.Has(name) {
		return errors.Wrap(ErrNotLoaded, name)
	}
	return g.set(name, deps)
}

// Deps returns a copy of name's direct dependencies.
func (g *Graph) Deps(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Restore puts back dependencies previously read with Deps, undoing a Replace
// whose reload failed. They were valid when read, so nothing is checked.
func (g *Graph) Restore(name string, deps []string) {
	if g.Has(name) {
		g.deps[name] = append([]string(nil), deps...)
	}
}

func (g *Graph) set(name string, deps []string) error {
	for _, d := range deps {
		if d == name {
			return errors.Wrapf(ErrDependencyCycle, "%s depends on itself", name)
		}
		if !g.Has(d) {
			return errors.Wrapf(ErrDependencyMissing, "%s needs %s", name, d)
		}
		if g.reaches(d, name) {
			return errors.Wrapf(ErrDependencyCycle, "%s -> %s -> %s", name, d, name)
		}
	}
	g.deps[name] = append([]string(nil), deps...)
	return nil
}

func (g *Graph) reaches(from, to string) bool {
	seen := make(map[string]struct{})
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		stack = append(stack, g.deps[cur]...)
	}
	return false
}

// Remove deletes name unless another module still depends on it.
func (g *Graph) Remove(name string) error {
	if dependents := g.Dependents(name); len(dependents) > 0 {
		return errors.Wrapf(ErrHasDependents, "%s is needed by %v", name, dependents)
	}
	delete(g.deps, name)
	return nil
}

// Dependents lists the modules that depend on name directly, sorted.
func (g *Graph) Dependents(name string) []string {
	return sequence.Sorted(sequence.Keys(g.deps).Filter(func(n string) bool {
		for _, d := range g.deps[n] {
			if d == name {
				return true
			}
		}
		return false
	}))
}

// Order groups nodes into levels: every node's dependencies sit in earlier
// levels or satisfy loaded. Names inside a level are sorted.
func Order(nodes map[string][]string, loaded func(string) bool) ([][]string, error) {
	placed := make(map[string]bool, len(nodes))
	var levels [][]string

	for len(placed) < len(nodes) {
		var level []string
		for name, deps := range nodes {
			if placed[name] {
				continue
			}
			ready := true
			for _, d := range deps {
				if _, pending := nodes[d]; pending {
					if !placed[d] {
						ready = false
						break
					}
					continue
				}
				if !loaded(d) {
					return nil, errors.Wrapf(ErrDependencyMissing, "%s needs %s", name, d)
				}
			}
			if ready {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			remaining := sequence.Keys(nodes).Filter(func(n string) bool { return !placed[n] })
			return nil, errors.Wrapf(ErrDependencyCycle, "among %v", sequence.Sorted(remaining))
		}
		level = sequence.Sorted(sequence.From(level))
		for _, name := range level {
			placed[name] = true
		}
		levels = append(levels, level)
	}
	return levels, nil
}

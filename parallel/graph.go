// Package parallel implements the dependency-aware parallel middleware
// executor: an optional pipeline variant that groups independent
// middleware into concurrent stages instead of running the whole chain
// sequentially. It is grounded on the stage-readiness loop in
// jinterlante1206-AleutianLocal's services/trace/dag executor
// (findReadyNodes/executeParallel over a dependency graph), adapted from
// a node-output DAG to a middleware chain where every node also has the
// option to run sequentially as a state-transforming link.
package parallel

import (
	"reflect"

	"github.com/AlfredDev/pipelinekit/middleware"
)

// DependencyAware is an optional interface a Middleware implements to
// declare which other middleware types it must run after. Dependencies
// are keyed by Go type identity, matching the spec's
// "middleware type-identity" model.
type DependencyAware interface {
	DependsOn() []reflect.Type
}

// Graph records dependency edges between middleware types.
type Graph struct {
	edges map[reflect.Type]map[reflect.Type]struct{}
}

// NewGraph returns an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{edges: make(map[reflect.Type]map[reflect.Type]struct{})}
}

// Add registers mw's declared dependencies, if it implements
// DependencyAware. Middleware that does not implement it has no
// dependencies and can run alongside anything.
func (g *Graph) Add(mw middleware.Middleware) *Graph {
	da, ok := mw.(DependencyAware)
	if !ok {
		return g
	}
	t := reflect.TypeOf(mw)
	set, ok := g.edges[t]
	if !ok {
		set = make(map[reflect.Type]struct{})
		g.edges[t] = set
	}
	for _, dep := range da.DependsOn() {
		set[dep] = struct{}{}
	}
	return g
}

func (g *Graph) dependsOn(a, b reflect.Type) bool {
	deps, ok := g.edges[a]
	if !ok {
		return false
	}
	_, ok = deps[b]
	return ok
}

// CanRunInParallel reports whether a and b are mutually independent:
// neither depends on the other.
func (g *Graph) CanRunInParallel(a, b middleware.Middleware) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	return !g.dependsOn(ta, tb) && !g.dependsOn(tb, ta)
}

// computeStages greedily partitions an already priority-ordered
// middleware list into stages such that every pair within a stage is
// mutually independent. Each middleware is appended to the latest open
// stage if compatible with every member already in it; otherwise it
// starts a new stage. This preserves the incoming order across stage
// boundaries: a later middleware never jumps ahead of an earlier,
// incompatible one.
func computeStages(mws []middleware.Middleware, g *Graph) [][]middleware.Middleware {
	var stages [][]middleware.Middleware
	for _, mw := range mws {
		if n := len(stages); n > 0 && compatibleWithAll(g, stages[n-1], mw) {
			stages[n-1] = append(stages[n-1], mw)
			continue
		}
		stages = append(stages, []middleware.Middleware{mw})
	}
	return stages
}

func compatibleWithAll(g *Graph, stage []middleware.Middleware, mw middleware.Middleware) bool {
	for _, other := range stage {
		if !g.CanRunInParallel(other, mw) {
			return false
		}
	}
	return true
}

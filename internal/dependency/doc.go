// Package dependency turns the registry's declared "depends-on" edges into
// start orders for the orchestrator and keep-alive lookups for the idle
// monitor.
//
// The graph is built from a registry snapshot and is immutable afterwards;
// callers rebuild it when the catalog changes. Resolution computes the
// transitive closure of the requested set and orders it topologically, with
// ties among independent services broken by registry insertion order so that
// the result is deterministic. A cycle in the relation is rejected with a
// CyclicDependencyError naming the members; it never loops.
//
// The typical hierarchy in a gateway deployment:
//
//	cache (foundation - no dependencies)
//	    ↓
//	vectordb (may depend on cache)
//	    ↓
//	inference runtime (depends on vectordb and cache)
//
// Levels group the resolved order so the orchestrator can start everything
// within one level concurrently: two services share a level only when
// neither can reach the other through the dependency relation.
package dependency

package graph

import "testing"

func TestTopologicalSortDeterministic(t *testing.T) {
	nodes := []Node{
		{ID: "generate_study_population"},
		{ID: "generate_codelists"},
		{ID: "run_model", DependsOn: []string{"generate_study_population", "generate_codelists"}},
		{ID: "summarize", DependsOn: []string{"run_model"}},
	}

	g, err := New(nodes)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort: %v", err)
	}

	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["run_model"] <= pos["generate_study_population"] {
		t.Errorf("run_model should come after its dependency")
	}
	if pos["summarize"] <= pos["run_model"] {
		t.Errorf("summarize should come after run_model")
	}
}

func TestCycleDetected(t *testing.T) {
	nodes := []Node{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}

	_, err := New(nodes)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if _, ok := err.(*CycleError); !ok {
		t.Fatalf("expected *CycleError, got %T", err)
	}
}

func TestMissingDependency(t *testing.T) {
	nodes := []Node{
		{ID: "a", DependsOn: []string{"ghost"}},
	}

	_, err := New(nodes)
	if err == nil {
		t.Fatal("expected missing dependency error")
	}
	if _, ok := err.(*MissingDependencyError); !ok {
		t.Fatalf("expected *MissingDependencyError, got %T", err)
	}
}

func TestTransitiveDependencies(t *testing.T) {
	nodes := []Node{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	}
	g, err := New(nodes)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	deps := g.TransitiveDependencies("c")
	if len(deps) != 2 || deps[0] != "a" || deps[1] != "b" {
		t.Fatalf("unexpected transitive deps: %v", deps)
	}
}

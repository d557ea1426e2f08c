package queuert

import "testing"

func TestJobIsChainRoot(t *testing.T) {
	tests := []struct {
		name  string
		job   Job
		want  bool
	}{
		{"root", Job{ID: "a", ChainID: "a", ChainIndex: 0}, true},
		{"continuation", Job{ID: "b", ChainID: "a", ChainIndex: 1}, false},
		{"index zero but different id", Job{ID: "b", ChainID: "a", ChainIndex: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.job.IsChainRoot(); got != tt.want {
				t.Errorf("IsChainRoot() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChainCompleted(t *testing.T) {
	root := &Job{ID: "a", ChainID: "a", Status: StatusCompleted}
	cur := &Job{ID: "b", ChainID: "a", ChainIndex: 1, Status: StatusRunning}

	tests := []struct {
		name  string
		chain Chain
		want  bool
	}{
		{"root only, completed", Chain{Root: root}, true},
		{"root only, not completed", Chain{Root: &Job{Status: StatusPending}}, false},
		{"current overrides root", Chain{Root: root, Current: cur}, false},
		{"current completed", Chain{Root: root, Current: &Job{Status: StatusCompleted}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.chain.Completed(); got != tt.want {
				t.Errorf("Completed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChainCurrentOrRoot(t *testing.T) {
	root := &Job{ID: "a"}
	cur := &Job{ID: "b"}

	if got := (&Chain{Root: root}).CurrentOrRoot(); got != root {
		t.Errorf("expected root fallback, got %v", got)
	}
	if got := (&Chain{Root: root, Current: cur}).CurrentOrRoot(); got != cur {
		t.Errorf("expected current, got %v", got)
	}
}

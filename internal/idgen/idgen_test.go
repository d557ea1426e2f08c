package idgen

import "testing"

func TestNewProducesDistinctIDs(t *testing.T) {
	a := New()
	b := New()
	if a == "" || b == "" {
		t.Fatal("expected non-empty ids")
	}
	if a == b {
		t.Errorf("expected two calls to New to produce distinct ids")
	}
}

package cli

import "testing"

func TestRollbackCascadesByDefault(t *testing.T) {
	f := rollbackCmd.Flags().Lookup("cascade")
	if f == nil {
		t.Fatal("cascade flag not registered")
	}
	// Cascading is the safe mode: leaving dependents behind is opt-in.
	if f.DefValue != "true" {
		t.Errorf("cascade default = %q, want true", f.DefValue)
	}
}

package engine

import (
	"reflect"
	"testing"
)

func TestScopeKey(t *testing.T) {
	tests := []struct {
		name  string
		scope ScopePath
		want  string
	}{
		{"root", Root, ""},
		{"one level", Root.Child("list", 0), "list[0]"},
		{"nested", Root.Child("list", 2).Child("item", 1), "list[2]/item[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.scope.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestScopeChain(t *testing.T) {
	scope := Root.Child("list", 2).Child("item", 1)
	want := []string{"list[2]/item[1]", "list[2]", ""}
	if got := scope.Chain(); !reflect.DeepEqual(got, want) {
		t.Errorf("Chain() = %v, want %v", got, want)
	}
	if got := Root.Chain(); !reflect.DeepEqual(got, []string{""}) {
		t.Errorf("Root.Chain() = %v, want [\"\"]", got)
	}
}

func TestScopeChildDoesNotAliasParent(t *testing.T) {
	parent := Root.Child("list", 0)
	a := parent.Child("x", 1)
	b := parent.Child("y", 2)
	if a.Key() != "list[0]/x[1]" || b.Key() != "list[0]/y[2]" {
		t.Errorf("siblings alias each other: %q, %q", a.Key(), b.Key())
	}
}

func TestScopeIsRoot(t *testing.T) {
	if !Root.IsRoot() {
		t.Error("Root.IsRoot() = false")
	}
	if Root.Child("a", 0).IsRoot() {
		t.Error("child scope reported as root")
	}
}

package natctl

import (
	"context"
	"testing"
)

func TestNewSetsInterface(t *testing.T) {
	e := New("eth0")
	if e.Interface != "eth0" {
		t.Fatalf("expected eth0, got %q", e.Interface)
	}
}

func TestRunWrapsCommandNotFound(t *testing.T) {
	err := run(context.Background(), "boson-natctl-does-not-exist")
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

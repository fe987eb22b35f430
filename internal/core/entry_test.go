package core

import "testing"

func TestImportEntryID_Deterministic(t *testing.T) {
	a := ImportEntryID("u1", "dev-1", "zsh", 1700000000, 0, "echo a")
	b := ImportEntryID("u1", "dev-1", "zsh", 1700000000, 0, "echo a")
	if a != b {
		t.Fatalf("expected deterministic ID, got %q and %q", a, b)
	}
}

func TestImportEntryID_DiffersBySourceIndex(t *testing.T) {
	a := ImportEntryID("u1", "dev-1", "zsh", 1700000000, 0, "echo a")
	b := ImportEntryID("u1", "dev-1", "zsh", 1700000000, 1, "echo a")
	if a == b {
		t.Fatal("expected distinct IDs for distinct source indices")
	}
}

func TestNewEntryID_Random(t *testing.T) {
	a := NewEntryID()
	b := NewEntryID()
	if a == b {
		t.Fatal("expected two random IDs to differ")
	}
}

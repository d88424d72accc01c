package device

import "testing"

func TestLookup(t *testing.T) {
	v, ok := Lookup(0)
	if !ok {
		t.Fatal("variant 0 should exist")
	}
	if v.Name != "Black Original" {
		t.Errorf("variant 0 name = %q, want %q", v.Name, "Black Original")
	}

	if _, ok := Lookup(200); ok {
		t.Error("variant 200 should not exist")
	}
}

func TestAllOrdered(t *testing.T) {
	all := All()
	if len(all) == 0 {
		t.Fatal("no variants")
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Errorf("variants not ordered by id: %d before %d", all[i-1].ID, all[i].ID)
		}
	}
}

func TestCheckServiceKey(t *testing.T) {
	if CheckServiceKey("anything", "") {
		t.Error("empty configured key must never unlock service mode")
	}
	if CheckServiceKey("wrong", "bench") {
		t.Error("mismatched key accepted")
	}
	if !CheckServiceKey("bench", "bench") {
		t.Error("matching key rejected")
	}
}

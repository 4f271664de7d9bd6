package internal

import "testing"

func TestHashCodeScopeSeparation(t *testing.T) {
	code := CanonicalizeCode("aaaa-bbbb")

	u1 := HashCode("backup-code:u1", code)
	u2 := HashCode("backup-code:u2", code)
	if u1 == u2 {
		t.Fatal("equal codes in different scopes must not share a hash")
	}
	if u1 != HashCode("backup-code:u1", code) {
		t.Fatal("hashing is not deterministic")
	}
}

func TestCanonicalizeCode(t *testing.T) {
	if got := CanonicalizeCode("  aAaA-bBbB "); got != "AAAABBBB" {
		t.Fatalf("got %q, want AAAABBBB", got)
	}
}

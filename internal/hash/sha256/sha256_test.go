// Package sha256 includes tests for the SHA-256 helpers.
package sha256

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := Sum([]byte("hello world")); again != got {
		t.Fatalf("expected Sum to match Hash, got %s vs %s", again, got)
	}
}

// TestFieldsSeparatorPreventsShifting checks that moving text between fields changes the digest.
func TestFieldsSeparatorPreventsShifting(t *testing.T) {
	t.Parallel()

	a := Fields("seed", "corn")
	b := Fields("seedc", "orn")
	if a == b {
		t.Fatalf("expected distinct digests for shifted fields, got %s", a)
	}
	if Fields("seed", "corn") != a {
		t.Fatal("expected deterministic field digest")
	}
}

// TestFieldsControlBytesCannotForgeBoundaries hashes tuples whose fields embed
// the old unit separator so their joined text is identical.
func TestFieldsControlBytesCannotForgeBoundaries(t *testing.T) {
	t.Parallel()

	a := Fields("p\x1f1", "2", "u")
	b := Fields("p", "1", "2\x1fu")
	if a == b {
		t.Fatalf("expected distinct digests for tuples with embedded separators, got %s", a)
	}
	if Fields("", "ab") == Fields("a", "b") {
		t.Fatal("expected empty leading field to change the digest")
	}
}

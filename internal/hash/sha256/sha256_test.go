package sha256

import "testing"

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
	if again := Sum("hello world"); again != got {
		t.Fatalf("expected Sum to match Hash, got %s vs %s", again, got)
	}
}

func TestShort(t *testing.T) {
	t.Parallel()

	if got := Short("hello world", 10); got != "b94d27b993" {
		t.Fatalf("unexpected short digest %s", got)
	}
	if got := Short("hello world", 0); len(got) != 64 {
		t.Fatalf("expected full digest for n=0, got %d chars", len(got))
	}
}

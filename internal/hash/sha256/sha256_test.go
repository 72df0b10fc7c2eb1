package sha256

import "testing"

func TestSumKnownDigest(t *testing.T) {
	t.Parallel()

	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got := Sum([]byte("hello world")); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if got := SumString("hello world"); got != want {
		t.Fatalf("SumString mismatch: %s", got)
	}
}

package reconcile

import "testing"

func TestNormalizeRemovesFillers(t *testing.T) {
	r := New(Config{})
	got := r.Normalize("um the patient uh reported er dizziness")
	want := "the patient reported dizziness"
	if got != want {
		t.Fatalf("normalize mismatch:\n got:  %q\n want: %q", got, want)
	}
}

func TestNormalizeCollapsesStutters(t *testing.T) {
	r := New(Config{})
	got := r.Normalize("the the dog was was limping")
	want := "the dog was limping"
	if got != want {
		t.Fatalf("normalize mismatch:\n got:  %q\n want: %q", got, want)
	}
}

func TestNormalizeKeepsNonAdjacentRepeats(t *testing.T) {
	r := New(Config{})
	got := r.Normalize("the dog bit the cat")
	want := "the dog bit the cat"
	if got != want {
		t.Fatalf("normalize mismatch:\n got:  %q\n want: %q", got, want)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	r := New(Config{})
	once := r.Normalize("um um the the patient, patient is uh stable")
	twice := r.Normalize(once)
	if once != twice {
		t.Fatalf("normalize not idempotent:\n once:  %q\n twice: %q", once, twice)
	}
}

func TestNormalizeDoesNotMatchFillerSubstrings(t *testing.T) {
	r := New(Config{})
	got := r.Normalize("the umbrella was ahead of era")
	want := "the umbrella was ahead of era"
	if got != want {
		t.Fatalf("normalize mismatch:\n got:  %q\n want: %q", got, want)
	}
}

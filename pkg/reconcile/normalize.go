package reconcile

import "strings"

// Normalize removes filler tokens and collapses immediately-repeated whole
// words. The pass is idempotent and independent of the merge pass, so it can
// run before or after duplicate-window removal.
func (r *Reconciler) Normalize(s string) string {
	fillers := make(map[string]bool, len(r.cfg.Fillers))
	for _, f := range r.cfg.Fillers {
		fillers[strings.ToLower(f)] = true
	}
	words := strings.Fields(s)
	out := make([]string, 0, len(words))
	for _, w := range words {
		if fillers[strings.ToLower(trimWordPunct(w))] {
			continue
		}
		if len(out) > 0 && sameWord(out[len(out)-1], w) {
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

// sameWord reports a stutter: the same whole word repeated back to back,
// ignoring case and trailing punctuation on the first occurrence.
func sameWord(prev, cur string) bool {
	return strings.EqualFold(trimWordPunct(prev), trimWordPunct(cur))
}

func trimWordPunct(w string) string {
	return strings.Trim(w, ",.;:!?")
}

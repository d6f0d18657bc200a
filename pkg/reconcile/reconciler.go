package reconcile

import (
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harunnryd/scribeflow/pkg/logging"
	"github.com/harunnryd/scribeflow/pkg/metrics"
)

type Config struct {
	// SimilarityThreshold gates containment replacement between adjacent
	// segments. Ratio is (maxLen - editDistance) / maxLen.
	SimilarityThreshold float64
	// MinOverlap is the minimum boundary window, in characters, accepted as
	// a duplicated transcription of replayed audio.
	MinOverlap int
	// MaxMismatchRatio is the fraction of characters allowed to differ
	// inside a fuzzy-equal window.
	MaxMismatchRatio float64
	// Fillers are removed by the normalization pass via word-boundary match.
	Fillers []string
}

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.85
	}
	if c.MinOverlap <= 0 {
		c.MinOverlap = 20
	}
	if c.MaxMismatchRatio <= 0 {
		c.MaxMismatchRatio = 0.10
	}
	if c.Fillers == nil {
		c.Fillers = DefaultFillers()
	}
	return c
}

// DefaultFillers lists disfluency tokens stripped by normalization.
func DefaultFillers() []string {
	return []string{"um", "uh", "er", "ah", "mhm", "hmm", "erm"}
}

// Reconciler merges ordered per-chunk transcripts into one narrative,
// removing wording duplicated across chunk boundaries.
type Reconciler struct {
	cfg Config
	log *slog.Logger
	obs metrics.Observer
}

func New(cfg Config) *Reconciler {
	return &Reconciler{
		cfg: cfg.withDefaults(),
		log: logging.NewComponentLogger(slog.Default(), "reconciler"),
		obs: metrics.NoopObserver{},
	}
}

func (r *Reconciler) SetObserver(obs metrics.Observer) {
	if obs != nil {
		r.obs = obs
	}
}

// Reconcile runs the duplicate-window merge followed by normalization.
// The result is stable: reconciling an already-reconciled text is a no-op.
func (r *Reconciler) Reconcile(segments []string) string {
	return r.Normalize(r.Merge(segments))
}

// Merge seeds the output with the first segment and folds each subsequent
// segment in, cutting boundary overlap where one is found.
func (r *Reconciler) Merge(segments []string) string {
	var kept []string
	for _, seg := range segments {
		seg = collapseSpaces(seg)
		if seg == "" {
			continue
		}
		if len(kept) == 0 {
			kept = append(kept, seg)
			continue
		}
		prev := kept[len(kept)-1]

		if cut := r.overlapCut(prev, seg); cut > 0 {
			remainder := strings.TrimSpace(seg[cut:])
			r.recordMerge("overlap", prev, seg, cut)
			if remainder != "" {
				kept = append(kept, remainder)
			}
			continue
		}

		ratio := similarity(prev, seg)
		if ratio > r.cfg.SimilarityThreshold {
			// Near-duplicate with no clean boundary: keep the longer text.
			if len(seg) > len(prev) {
				kept[len(kept)-1] = seg
				r.recordMerge("containment_replace", prev, seg, 0)
			} else {
				r.recordMerge("containment_drop", prev, seg, 0)
			}
			continue
		}

		kept = append(kept, seg)
	}
	return collapseSpaces(strings.Join(kept, " "))
}

// overlapCut returns how many leading characters of cur duplicate the tail of
// prev, or 0 when no acceptable boundary window exists. It first looks for an
// equal-length character window that is fuzzy-equal, then falls back to a
// word-level window that tolerates reordered wording around the boundary.
func (r *Reconciler) overlapCut(prev, cur string) int {
	if l := r.charOverlap(prev, cur); l > 0 {
		return l
	}
	return r.wordOverlap(prev, cur)
}

func (r *Reconciler) charOverlap(prev, cur string) int {
	max := len(prev)
	if len(cur) < max {
		max = len(cur)
	}
	for l := max; l >= r.cfg.MinOverlap; l-- {
		// Window edges must sit on rune boundaries or the cut would split a
		// multibyte character and leave invalid UTF-8 in the merged text.
		if !runeAligned(cur, l) || !runeAligned(prev, len(prev)-l) {
			continue
		}
		if fuzzyEqual(prev[len(prev)-l:], cur[:l], r.cfg.MaxMismatchRatio) {
			return l
		}
	}
	return 0
}

func runeAligned(s string, i int) bool {
	return i == len(s) || utf8.RuneStart(s[i])
}

// wordOverlap matches the longest word-prefix of cur whose words all occur in
// a slightly wider word-suffix window of prev. Transcription engines replay
// boundary audio with small reorderings, so positional equality is too strict
// there.
func (r *Reconciler) wordOverlap(prev, cur string) int {
	prevWords := strings.Fields(prev)
	curWords := strings.Fields(cur)
	maxN := len(curWords)
	if maxN > len(prevWords) {
		maxN = len(prevWords)
	}
	for n := maxN; n >= 1; n-- {
		window := prevWords[maxInt(0, len(prevWords)-n-1):]
		if !wordsContained(curWords[:n], window) {
			continue
		}
		if joinedLen(window) < r.cfg.MinOverlap {
			return 0
		}
		return joinedLen(curWords[:n])
	}
	return 0
}

func wordsContained(prefix, window []string) bool {
	counts := make(map[string]int, len(window))
	for _, w := range window {
		counts[strings.ToLower(w)]++
	}
	for _, w := range prefix {
		k := strings.ToLower(w)
		if counts[k] == 0 {
			return false
		}
		counts[k]--
	}
	return true
}

func joinedLen(words []string) int {
	if len(words) == 0 {
		return 0
	}
	n := len(words) - 1
	for _, w := range words {
		n += len(w)
	}
	return n
}

// fuzzyEqual compares two same-length strings and allows up to maxMismatch of
// their characters to differ.
func fuzzyEqual(a, b string, maxMismatch float64) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	allowed := int(float64(len(a)) * maxMismatch)
	mismatches := 0
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			mismatches++
			if mismatches > allowed {
				return false
			}
		}
	}
	return true
}

// similarity is (maxLen - editDistance) / maxLen over bytes.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	max := len(a)
	if len(b) > max {
		max = len(b)
	}
	if max == 0 {
		return 1
	}
	return float64(max-levenshtein(a, b)) / float64(max)
}

// levenshtein is the standard single-character-edit distance with a rolling
// two-row matrix.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = minInt(minInt(cur[j-1]+1, prev[j]+1), prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func (r *Reconciler) recordMerge(kind, prev, cur string, cut int) {
	r.log.Debug("reconcile_merge",
		slog.String("kind", kind),
		slog.Int("cut_chars", cut),
		slog.Int("prev_len", len(prev)),
		slog.Int("cur_len", len(cur)))
	r.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventReconcileMerge,
		Time:  time.Now(),
		Value: float64(cut),
		Tags:  map[string]string{"kind": kind},
	})
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

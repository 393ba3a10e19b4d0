package transcript

import "strings"

// DefaultDedupeThreshold is the similarity at or above which two fragments
// from the same speaker are treated as one utterance.
const DefaultDedupeThreshold = 0.90

// Reconciler turns the raw fragment stream of a call into a clean
// conversation: merged sentences, no near-duplicates, strictly alternating
// speakers starting with the caller and ending with the assistant.
type Reconciler struct {
	Threshold float64
}

// NewReconciler returns a Reconciler; a threshold outside (0, 1] falls back
// to DefaultDedupeThreshold.
func NewReconciler(threshold float64) Reconciler {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultDedupeThreshold
	}
	return Reconciler{Threshold: threshold}
}

// Reconcile applies the default reconciler.
func Reconcile(raw []Fragment) []Fragment {
	return NewReconciler(DefaultDedupeThreshold).Reconcile(raw)
}

// Reconcile does not modify raw.
func (r Reconciler) Reconcile(raw []Fragment) []Fragment {
	threshold := r.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultDedupeThreshold
	}
	return alternate(dedupe(merge(raw), threshold))
}

func endsSentence(s string) bool {
	if s == "" {
		return false
	}
	switch s[len(s)-1:] {
	case ".", "!", "?":
		return true
	}
	for _, mark := range []string{"。", "！", "？"} {
		if strings.HasSuffix(s, mark) {
			return true
		}
	}
	return false
}

// merge joins consecutive pieces from one speaker until a sentence ends or
// the speaker changes.
func merge(raw []Fragment) []Fragment {
	var (
		out     []Fragment
		buf     string
		current Speaker
		started bool
	)
	flush := func() {
		if text := strings.TrimSpace(buf); text != "" {
			out = append(out, Fragment{Speaker: current, Text: text})
		}
		buf = ""
	}
	for _, f := range raw {
		piece := strings.TrimSpace(f.Text)
		if piece == "" {
			continue
		}
		switch {
		case !started || f.Speaker != current:
			flush()
			current, started = f.Speaker, true
			buf = piece
		case buf == "":
			buf = piece
		default:
			buf += " " + piece
		}
		if endsSentence(buf) {
			flush()
		}
	}
	flush()
	return out
}

func dedupeKey(text string) string {
	return Canonical(Destutter(text))
}

// dedupe drops near-duplicates per speaker, keeping the longer wording in
// the position of the first occurrence, then trims the ends so the
// conversation opens with the caller and closes with the assistant.
func dedupe(lines []Fragment, threshold float64) []Fragment {
	cleaned := make([]Fragment, 0, len(lines))
	buckets := map[Speaker][]int{}
	for _, seg := range lines {
		key := dedupeKey(seg.Text)
		dup := -1
		for _, idx := range buckets[seg.Speaker] {
			if Similarity(key, dedupeKey(cleaned[idx].Text)) >= threshold {
				dup = idx
				break
			}
		}
		if dup >= 0 {
			if len(seg.Text) > len(cleaned[dup].Text) {
				cleaned[dup].Text = seg.Text
			}
			continue
		}
		buckets[seg.Speaker] = append(buckets[seg.Speaker], len(cleaned))
		cleaned = append(cleaned, seg)
	}

	// A leading assistant line followed by the caller is the answer to a
	// question transcribed late: move it after that question.
	if len(cleaned) >= 2 && cleaned[0].Speaker == Assistant && cleaned[1].Speaker == Caller {
		cleaned = append(cleaned[1:], cleaned[0])
	}
	// Greetings often arrive as several assistant sentences before the
	// caller speaks; none of them answers anything.
	for len(cleaned) > 0 && cleaned[0].Speaker == Assistant {
		cleaned = cleaned[1:]
	}
	for len(cleaned) > 0 && cleaned[len(cleaned)-1].Speaker == Caller {
		cleaned = cleaned[:len(cleaned)-1]
	}
	return cleaned
}

// alternate destutters each line and keeps only the latest of any run from
// one speaker.
func alternate(lines []Fragment) []Fragment {
	out := make([]Fragment, 0, len(lines))
	for _, seg := range lines {
		seg.Text = Destutter(seg.Text)
		if n := len(out); n > 0 && out[n-1].Speaker == seg.Speaker {
			out[n-1].Text = seg.Text
			continue
		}
		out = append(out, seg)
	}
	return out
}

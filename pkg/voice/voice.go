// Package voice normalizes the synthetic voice identifiers stored per
// account against the set the realtime endpoint accepts.
package voice

import "strings"

// Voice is a realtime synthetic voice identifier.
type Voice string

const (
	Alloy   Voice = "alloy"
	Ash     Voice = "ash"
	Coral   Voice = "coral"
	Echo    Voice = "echo"
	Sage    Voice = "sage"
	Shimmer Voice = "shimmer"
)

// Default is used when neither the stored value nor the configured fallback
// is usable.
const Default = Alloy

var valid = map[Voice]struct{}{
	Alloy:   {},
	Ash:     {},
	Coral:   {},
	Echo:    {},
	Sage:    {},
	Shimmer: {},
}

// Retired identifiers some accounts still carry.
var legacy = map[string]Voice{
	"nova":  Alloy,
	"onyx":  Alloy,
	"fable": Alloy,
}

// Valid reports whether v is accepted upstream.
func Valid(v Voice) bool {
	_, ok := valid[v]
	return ok
}

// Normalize maps a raw stored value onto a valid voice. Legacy names map to
// their replacement; anything else unknown becomes fallback, or Default if
// fallback itself is not valid.
func Normalize(raw string, fallback Voice) Voice {
	if !Valid(fallback) {
		fallback = Default
	}
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return fallback
	}
	if v, ok := legacy[key]; ok {
		return v
	}
	if v := Voice(key); Valid(v) {
		return v
	}
	return fallback
}

func (v Voice) String() string { return string(v) }

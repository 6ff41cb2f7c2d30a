// internal/fingerprint/matcher.go
package fingerprint

import (
	"math"
	"strings"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
)

// Signal names reported by Explain.
const (
	SignalID         = "id"
	SignalName       = "name"
	SignalText       = "text"
	SignalAttributes = "attributes"
	SignalGeometry   = "geometry"
	SignalVisual     = "visual"
)

// Vote is one signal's verdict.
type Vote struct {
	Signal string
	Weight float64
	Agrees bool
}

// Matcher compares fingerprints by weighted vote. A signal votes only when
// at least one side carries it; geometry and visual need both sides.
type Matcher struct {
	weights           config.WeightConfig
	minScore          float64
	minAttrJaccard    float64
	positionTolerance float64
	sizeTolerance     float64
	maxHamming        int
}

// NewMatcher builds a matcher from resolver settings.
func NewMatcher(cfg config.ResolverConfig) *Matcher {
	return &Matcher{
		weights:           cfg.Weights,
		minScore:          cfg.MinScore,
		minAttrJaccard:    cfg.MinAttrJaccard,
		positionTolerance: cfg.PositionTolerance,
		sizeTolerance:     cfg.SizeTolerance,
		maxHamming:        cfg.MaxHamming,
	}
}

// Explain returns the votes cast for a against b.
func (m *Matcher) Explain(a, b *schemas.ElementFingerprint) []Vote {
	var votes []Vote
	add := func(signal string, weight float64, agrees bool) {
		if weight > 0 {
			votes = append(votes, Vote{Signal: signal, Weight: weight, Agrees: agrees})
		}
	}

	if a.ID != "" || b.ID != "" {
		add(SignalID, m.weights.ID, a.ID == b.ID)
	}
	if a.Name != "" || b.Name != "" {
		add(SignalName, m.weights.Name, a.Name == b.Name)
	}
	if ta, tb := collapse(a.Text), collapse(b.Text); ta != "" || tb != "" {
		add(SignalText, m.weights.Text, ta == tb)
	}
	if len(a.Attributes) > 0 || len(b.Attributes) > 0 {
		add(SignalAttributes, m.weights.Attributes, jaccard(a.Attributes, b.Attributes) >= m.minAttrJaccard)
	}
	if hasGeometry(a) && hasGeometry(b) {
		add(SignalGeometry, m.weights.Geometry, m.geometryAgrees(a.Properties, b.Properties))
	}
	if a.VisualHash != "" && b.VisualHash != "" {
		d := Hamming(a.VisualHash, b.VisualHash)
		add(SignalVisual, m.weights.Visual, d >= 0 && d <= m.maxHamming)
	}
	return votes
}

// Score is the agreeing share of cast weight. ok is false when no signal
// could vote.
func (m *Matcher) Score(a, b *schemas.ElementFingerprint) (score float64, ok bool) {
	var cast, agreed float64
	for _, v := range m.Explain(a, b) {
		cast += v.Weight
		if v.Agrees {
			agreed += v.Weight
		}
	}
	if cast == 0 {
		return 0, false
	}
	return agreed / cast, true
}

// Matches requires equal tags and a weighted majority of the signals. With
// nothing to compare it falls back to the parent descriptor.
func (m *Matcher) Matches(a, b *schemas.ElementFingerprint) bool {
	if a == nil || b == nil || !strings.EqualFold(a.Tag, b.Tag) {
		return false
	}
	score, ok := m.Score(a, b)
	if !ok {
		return a.Parent != "" && a.Parent == b.Parent
	}
	return score >= m.minScore
}

func (m *Matcher) geometryAgrees(a, b map[string]float64) bool {
	if math.Abs(a[schemas.PropX]-b[schemas.PropX]) > m.positionTolerance ||
		math.Abs(a[schemas.PropY]-b[schemas.PropY]) > m.positionTolerance {
		return false
	}
	return ratioWithin(a[schemas.PropWidth], b[schemas.PropWidth], m.sizeTolerance) &&
		ratioWithin(a[schemas.PropHeight], b[schemas.PropHeight], m.sizeTolerance)
}

func ratioWithin(x, y, tol float64) bool {
	hi := math.Max(x, y)
	if hi == 0 {
		return true
	}
	return math.Abs(x-y)/hi <= tol
}

func hasGeometry(fp *schemas.ElementFingerprint) bool {
	_, w := fp.Properties[schemas.PropWidth]
	_, h := fp.Properties[schemas.PropHeight]
	return w && h
}

func jaccard(a, b map[string]string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k, v := range a {
		if bv, ok := b[k]; ok && bv == v {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// internal/flows/flows_test.go
package flows

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
)

func tr(id, from, to string) schemas.Transition {
	return schemas.Transition{ID: id, SourcePageID: from, TargetPageID: to, Kind: schemas.KindNavigation, Description: "go " + to}
}

func ids(path []schemas.Transition) []string {
	out := make([]string, len(path))
	for i, t := range path {
		out[i] = t.ID
	}
	return out
}

func newAnalyzer(t *testing.T, mutate func(*config.JourneyConfig)) *Analyzer {
	t.Helper()
	cfg := config.NewDefaultConfig().Journeys
	if mutate != nil {
		mutate(&cfg)
	}
	return NewAnalyzer(cfg, zaptest.NewLogger(t))
}

func TestBuildTransitionIndex(t *testing.T) {
	index := BuildTransitionIndex([]schemas.Transition{tr("1", "a", "b"), tr("2", "b", "c"), tr("3", "a", "c")})
	require.Len(t, index, 2)
	assert.Equal(t, []string{"1", "3"}, ids(index["a"]))
	assert.Equal(t, []string{"2"}, ids(index["b"]))
}

func TestEntryPoints(t *testing.T) {
	a := newAnalyzer(t, nil)

	t.Run("pages without incoming transitions", func(t *testing.T) {
		got := a.EntryPoints([]schemas.Transition{tr("1", "home", "b"), tr("2", "b", "c"), tr("3", "side", "c")})
		assert.Equal(t, []string{"home", "side"}, got)
	})

	t.Run("most connected pages when everything is a cycle", func(t *testing.T) {
		a := newAnalyzer(t, func(c *config.JourneyConfig) { c.EntryFanout = 1 })
		got := a.EntryPoints([]schemas.Transition{tr("1", "a", "b"), tr("2", "b", "a"), tr("3", "b", "c"), tr("4", "c", "b")})
		assert.Equal(t, []string{"b"}, got)
	})
}

func TestEnumeratePaths(t *testing.T) {
	a := newAnalyzer(t, nil)

	t.Run("branches and terminates at leaves", func(t *testing.T) {
		index := BuildTransitionIndex([]schemas.Transition{tr("1", "a", "b"), tr("2", "b", "c"), tr("3", "b", "d")})
		paths := a.EnumeratePaths(index, []string{"a"}, 10)
		got := make([][]string, len(paths))
		for i, p := range paths {
			got[i] = ids(p)
		}
		assert.Equal(t, [][]string{{"1", "2"}, {"1", "3"}}, got)
	})

	t.Run("a transition appears at most once per path", func(t *testing.T) {
		index := BuildTransitionIndex([]schemas.Transition{tr("1", "a", "b"), tr("2", "b", "a")})
		paths := a.EnumeratePaths(index, []string{"a"}, 10)
		require.Len(t, paths, 1)
		assert.Equal(t, []string{"1", "2"}, ids(paths[0]))
	})

	t.Run("depth bound", func(t *testing.T) {
		var chain []schemas.Transition
		for i := 0; i < 6; i++ {
			chain = append(chain, tr(fmt.Sprint(i), fmt.Sprint("p", i), fmt.Sprint("p", i+1)))
		}
		paths := a.EnumeratePaths(BuildTransitionIndex(chain), []string{"p0"}, 3)
		require.Len(t, paths, 1)
		assert.Len(t, paths[0], 3)
	})

	t.Run("path limit", func(t *testing.T) {
		limited := newAnalyzer(t, func(c *config.JourneyConfig) { c.MaxPaths = 2 })
		var fan []schemas.Transition
		for i := 0; i < 5; i++ {
			fan = append(fan, tr(fmt.Sprint(i), "root", fmt.Sprint("leaf", i)))
		}
		assert.Len(t, limited.EnumeratePaths(BuildTransitionIndex(fan), []string{"root"}, 5), 2)
	})
}

func TestOverlap(t *testing.T) {
	p := []schemas.Transition{tr("1", "a", "b"), tr("2", "b", "c"), tr("3", "c", "d")}
	q := []schemas.Transition{tr("1", "a", "b"), tr("9", "b", "z")}
	assert.InDelta(t, 0.5, Overlap(p, q), 1e-9)
	assert.InDelta(t, 1.0, Overlap(p, p), 1e-9)
	assert.Zero(t, Overlap(p, nil))
}

func TestSelectJourneys(t *testing.T) {
	a := newAnalyzer(t, nil)

	long := []schemas.Transition{
		tr("1", "a", "b"), tr("2", "b", "c"), tr("3", "c", "d"), tr("4", "d", "e"),
		tr("5", "e", "f"), tr("6", "f", "g"), tr("7", "g", "h"), tr("8", "h", "i"),
		tr("9", "i", "j"), tr("10", "j", "k"),
	}

	t.Run("near duplicates collapse to one journey", func(t *testing.T) {
		// shares 8 of 10 transitions with long
		similar := append(append([]schemas.Transition(nil), long[:8]...), tr("x1", "i", "x"), tr("x2", "x", "y"))
		journeys := a.SelectJourneys([][]schemas.Transition{similar, long}, 2, 10)
		require.Len(t, journeys, 1)
	})

	t.Run("overlap at the threshold is kept", func(t *testing.T) {
		// shares exactly 7 of 10 transitions with long
		similar := append(append([]schemas.Transition(nil), long[:7]...), tr("x1", "h", "x"), tr("x2", "x", "y"), tr("x3", "y", "z"))
		journeys := a.SelectJourneys([][]schemas.Transition{similar, long}, 2, 10)
		require.Len(t, journeys, 2)
	})

	t.Run("distinct paths are both kept, longest first", func(t *testing.T) {
		other := []schemas.Transition{tr("1", "a", "b"), tr("y1", "b", "q"), tr("y2", "q", "r")}
		journeys := a.SelectJourneys([][]schemas.Transition{other, long}, 2, 10)
		require.Len(t, journeys, 2)
		assert.Equal(t, 10, journeys[0].Len())
		assert.Equal(t, 3, journeys[1].Len())
	})

	t.Run("min length and max count", func(t *testing.T) {
		paths := [][]schemas.Transition{
			{tr("s", "a", "b")},
			{tr("m1", "a", "m"), tr("m2", "m", "n")},
			{tr("n1", "a", "o"), tr("n2", "o", "p")},
			{tr("o1", "a", "s"), tr("o2", "s", "t")},
		}
		journeys := a.SelectJourneys(paths, 2, 2)
		require.Len(t, journeys, 2)
		for _, j := range journeys {
			assert.GreaterOrEqual(t, j.Len(), 2)
		}
	})
}

func TestAnalyze(t *testing.T) {
	a := newAnalyzer(t, nil)
	transitions := []schemas.Transition{tr("1", "home", "login"), tr("2", "login", "dash")}
	pages := []schemas.Page{{ID: "home", Title: "Home"}, {ID: "login", Title: "Sign in"}, {ID: "dash", Title: "Dashboard"}}

	res := a.Analyze(transitions, nil, pages)
	require.Len(t, res.Journeys, 1)
	j := res.Journeys[0]
	assert.Equal(t, "Home to Dashboard", j.Name)
	assert.Equal(t, "go login, then go dash", j.Description)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, 1, res.Paths)
}

func TestInferFieldDependencies(t *testing.T) {
	field := func(key string, visible, enabled bool, options ...string) schemas.FieldState {
		return schemas.FieldState{Key: key, Tag: "input", Visible: visible, Enabled: enabled, Options: options}
	}
	log := []schemas.InteractionRecord{
		{
			Controller: "other",
			Before:     []schemas.FieldState{field("other", true, true), field("reason", false, true)},
			After:      []schemas.FieldState{field("other", true, true), field("reason", true, true)},
		},
		{
			Controller: "country",
			Before:     []schemas.FieldState{field("country", true, true, "us", "de"), field("state", true, false, "ca")},
			After:      []schemas.FieldState{field("country", true, true, "us", "de"), field("state", true, true, "by", "be")},
		},
		{
			Controller: "addCoupon",
			Before:     []schemas.FieldState{field("addCoupon", true, true)},
			After:      []schemas.FieldState{field("addCoupon", true, true), field("coupon", true, true)},
		},
		{
			// navigation away changes everything and proves nothing
			Controller: "other",
			URLChanged: true,
			Before:     []schemas.FieldState{field("reason", true, true)},
		},
		{
			// repeated observation
			Controller: "other",
			Before:     []schemas.FieldState{field("reason", true, true)},
			After:      []schemas.FieldState{field("reason", false, true)},
		},
	}

	want := []schemas.FieldDependency{
		{Controlled: "reason", Controller: "other", Effects: []schemas.DependencyEffect{schemas.EffectVisibility}},
		{Controlled: "state", Controller: "country", Effects: []schemas.DependencyEffect{schemas.EffectEnabled, schemas.EffectOptions}},
		{Controlled: "coupon", Controller: "addCoupon", Effects: []schemas.DependencyEffect{schemas.EffectVisibility}},
	}
	if diff := cmp.Diff(want, InferFieldDependencies(log)); diff != "" {
		t.Errorf("dependencies mismatch (-want +got):\n%s", diff)
	}
}

func TestInferFieldDependencies_OnePairPerFieldCouple(t *testing.T) {
	log := []schemas.InteractionRecord{{
		Controller: "other",
		Before: []schemas.FieldState{
			{Key: "other", Tag: "input", Visible: true, Enabled: true},
			{Key: "reason", Tag: "input", Visible: false, Enabled: false},
		},
		After: []schemas.FieldState{
			{Key: "other", Tag: "input", Visible: true, Enabled: true},
			{Key: "reason", Tag: "input", Visible: true, Enabled: true},
		},
	}}

	deps := InferFieldDependencies(log)
	require.Len(t, deps, 1)
	assert.Equal(t, "reason", deps[0].Controlled)
	assert.Equal(t, "other", deps[0].Controller)
	assert.Equal(t, []schemas.DependencyEffect{schemas.EffectVisibility, schemas.EffectEnabled}, deps[0].Effects)
}

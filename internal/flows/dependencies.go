// internal/flows/dependencies.go
package flows

import (
	"slices"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

// InferFieldDependencies diffs the form field snapshots around each logged
// interaction. A field whose visibility, enabled state or option set
// changed while another field was used depends on that field. Interactions
// that left the page are ignored since every field changes with it.
func InferFieldDependencies(log []schemas.InteractionRecord) []schemas.FieldDependency {
	type pair struct{ controlled, controller string }
	var out []schemas.FieldDependency
	index := make(map[pair]int)
	add := func(controlled, controller string, effect schemas.DependencyEffect) {
		k := pair{controlled, controller}
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, schemas.FieldDependency{Controlled: controlled, Controller: controller})
		}
		if !slices.Contains(out[i].Effects, effect) {
			out[i].Effects = append(out[i].Effects, effect)
		}
	}

	for _, rec := range log {
		if rec.URLChanged || rec.Controller == "" {
			continue
		}
		before := byKey(rec.Before)
		after := byKey(rec.After)

		for _, key := range keys(rec.Before, rec.After) {
			if key == rec.Controller {
				continue
			}
			b, hadBefore := before[key]
			a, hasAfter := after[key]

			if hadBefore != hasAfter {
				// appeared in or vanished from the DOM
				add(key, rec.Controller, schemas.EffectVisibility)
				continue
			}
			if b.Visible != a.Visible {
				add(key, rec.Controller, schemas.EffectVisibility)
			}
			if b.Enabled != a.Enabled {
				add(key, rec.Controller, schemas.EffectEnabled)
			}
			if !slices.Equal(b.Options, a.Options) {
				add(key, rec.Controller, schemas.EffectOptions)
			}
		}
	}
	return out
}

func byKey(states []schemas.FieldState) map[string]schemas.FieldState {
	m := make(map[string]schemas.FieldState, len(states))
	for _, s := range states {
		m[s.Key] = s
	}
	return m
}

// keys lists field keys from both snapshots, before first, without repeats.
func keys(before, after []schemas.FieldState) []string {
	var out []string
	seen := make(map[string]bool, len(before)+len(after))
	for _, list := range [][]schemas.FieldState{before, after} {
		for _, s := range list {
			if !seen[s.Key] {
				seen[s.Key] = true
				out = append(out, s.Key)
			}
		}
	}
	return out
}

// Copyright 2025 walteh LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walteh/cellwatch/pkg/config"
	"github.com/walteh/cellwatch/pkg/snapshot"
)

func boolPtr(b bool) *bool { return &b }

func snap(cells map[string]snapshot.Cell) *snapshot.Snapshot {
	s := snapshot.New()
	if len(cells) > 0 {
		sheet := snapshot.Sheet{}
		for addr, cell := range cells {
			sheet[addr] = cell
		}
		s.Sheets["Sheet1"] = sheet
	}
	return s
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		opts          *config.TrackArgs
		old           map[string]snapshot.Cell
		new           map[string]snapshot.Cell
		wantKind      Kind
		wantNone      bool
		wantUntracked bool
	}{
		{
			name:     "cell_added",
			old:      map[string]snapshot.Cell{},
			new:      map[string]snapshot.Cell{"A1": {Value: "7"}},
			wantKind: KindAdded,
		},
		{
			name:     "cell_deleted",
			old:      map[string]snapshot.Cell{"A1": {Value: "7"}},
			new:      map[string]snapshot.Cell{},
			wantKind: KindDeleted,
		},
		{
			name:     "formula_edited",
			old:      map[string]snapshot.Cell{"A1": {Formula: "=B1", Value: "1"}},
			new:      map[string]snapshot.Cell{"A1": {Formula: "=B2", Value: "1"}},
			wantKind: KindFormula,
		},
		{
			name:     "value_typed",
			old:      map[string]snapshot.Cell{"A1": {Value: "1"}},
			new:      map[string]snapshot.Cell{"A1": {Value: "2"}},
			wantKind: KindDirectValue,
		},
		{
			name: "external_ref_moved",
			old: map[string]snapshot.Cell{
				"A1": {Formula: "=[1]Rates!B2*2", Value: "10"},
			},
			new: map[string]snapshot.Cell{
				"A1": {Formula: "=[1]Rates!B2*2", Value: "12"},
			},
			wantKind: KindExternalRef,
		},
		{
			name: "formula_edit_wins_over_external_ref",
			old: map[string]snapshot.Cell{
				"A1": {Formula: "=[1]Rates!B2*2", Value: "10"},
			},
			new: map[string]snapshot.Cell{
				"A1": {Formula: "=[1]Rates!B2*3", Value: "15"},
			},
			wantKind: KindFormula,
		},
		{
			name:          "indirect_untracked_by_default",
			old:           map[string]snapshot.Cell{"A1": {Formula: "=B1*2", Value: "10"}},
			new:           map[string]snapshot.Cell{"A1": {Formula: "=B1*2", Value: "12"}},
			wantKind:      KindIndirect,
			wantUntracked: true,
		},
		{
			name:     "indirect_tracked_when_enabled",
			opts:     &config.TrackArgs{IgnoreIndirect: boolPtr(false)},
			old:      map[string]snapshot.Cell{"A1": {Formula: "=B1*2", Value: "10"}},
			new:      map[string]snapshot.Cell{"A1": {Formula: "=B1*2", Value: "12"}},
			wantKind: KindIndirect,
		},
		{
			// Disabling a category keeps the change visible but marks it
			// untracked so the permanent log skips it.
			name:          "formula_changes_disabled_still_reported",
			opts:          &config.TrackArgs{FormulaChanges: boolPtr(false)},
			old:           map[string]snapshot.Cell{"A1": {Formula: "=B1", Value: "1"}},
			new:           map[string]snapshot.Cell{"A1": {Formula: "=B2", Value: "1"}},
			wantKind:      KindFormula,
			wantUntracked: true,
		},
		{
			name:          "direct_values_disabled_still_reported",
			opts:          &config.TrackArgs{DirectValueChanges: boolPtr(false)},
			old:           map[string]snapshot.Cell{"A1": {Value: "1"}},
			new:           map[string]snapshot.Cell{"A1": {Value: "2"}},
			wantKind:      KindDirectValue,
			wantUntracked: true,
		},
		{
			name:          "external_refs_disabled_still_reported",
			opts:          &config.TrackArgs{ExternalRefUpdates: boolPtr(false)},
			old:           map[string]snapshot.Cell{"A1": {Formula: "=[1]Rates!B2*2", Value: "10"}},
			new:           map[string]snapshot.Cell{"A1": {Formula: "=[1]Rates!B2*2", Value: "12"}},
			wantKind:      KindExternalRef,
			wantUntracked: true,
		},
		{
			name:     "unchanged_cell_no_change",
			old:      map[string]snapshot.Cell{"A1": {Formula: "=B1", Value: "1"}},
			new:      map[string]snapshot.Cell{"A1": {Formula: "=B1", Value: "1"}},
			wantNone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(tt.opts)
			changes := c.Compare(snap(tt.old), snap(tt.new))

			if tt.wantNone {
				assert.Empty(t, changes, "no change should be reported")
				return
			}
			require.Len(t, changes, 1, "exactly one change expected")
			assert.Equal(t, tt.wantKind, changes[0].Kind, "change kind should match")
			assert.Equal(t, !tt.wantUntracked, changes[0].Tracked, "tracked flag should match")
			assert.Equal(t, "Sheet1", changes[0].Sheet)
			assert.Equal(t, "A1", changes[0].Addr)
		})
	}
}

func TestCompareIdentity(t *testing.T) {
	c := NewClassifier(nil)

	t.Run("both_empty", func(t *testing.T) {
		assert.Empty(t, c.Compare(snapshot.New(), snapshot.New()))
	})

	t.Run("same_snapshot", func(t *testing.T) {
		s := snap(map[string]snapshot.Cell{"A1": {Value: "x"}, "B2": {Formula: "=A1", Value: "x"}})
		assert.Empty(t, c.Compare(s, s), "a snapshot never differs from itself")
	})

	t.Run("nil_old_reports_all_added", func(t *testing.T) {
		s := snap(map[string]snapshot.Cell{"A1": {Value: "x"}})
		changes := c.Compare(nil, s)
		require.Len(t, changes, 1)
		assert.Equal(t, KindAdded, changes[0].Kind)
	})
}

func TestCompareSymmetry(t *testing.T) {
	// Comparing A to B and B to A must agree cell for cell, with Added and
	// Deleted swapped.
	a := snap(map[string]snapshot.Cell{
		"A1": {Value: "only in a"},
		"B2": {Value: "shared"},
	})
	b := snap(map[string]snapshot.Cell{
		"B2": {Value: "shared"},
		"C3": {Value: "only in b"},
	})

	c := NewClassifier(nil)
	forward := c.Compare(a, b)
	backward := c.Compare(b, a)

	require.Len(t, forward, 2)
	require.Len(t, backward, 2)

	kinds := func(changes []Change) map[string]Kind {
		m := map[string]Kind{}
		for _, ch := range changes {
			m[ch.Addr] = ch.Kind
		}
		return m
	}
	fw, bw := kinds(forward), kinds(backward)
	assert.Equal(t, KindDeleted, fw["A1"])
	assert.Equal(t, KindAdded, bw["A1"])
	assert.Equal(t, KindAdded, fw["C3"])
	assert.Equal(t, KindDeleted, bw["C3"])
}

func TestCompareOrdering(t *testing.T) {
	old := snapshot.New()
	new := snapshot.New()
	new.Sheets["Beta"] = snapshot.Sheet{
		"B10": {Value: "1"},
		"A2":  {Value: "2"},
		"B2":  {Value: "3"},
	}
	new.Sheets["Alpha"] = snapshot.Sheet{"C1": {Value: "4"}}

	changes := NewClassifier(nil).Compare(old, new)
	require.Len(t, changes, 4)

	var got []string
	for _, ch := range changes {
		got = append(got, ch.Sheet+"!"+ch.Addr)
	}
	// Sheets alphabetical, then row before column within a sheet. B10 must
	// come after B2, which plain string ordering would get wrong.
	assert.Equal(t, []string{"Alpha!C1", "Beta!A2", "Beta!B2", "Beta!B10"}, got)
}

func TestCachedVerification(t *testing.T) {
	opts := &config.TrackArgs{IgnoreIndirect: boolPtr(false), CachedLookupLimit: 5}
	c := NewClassifier(opts)

	t.Run("identical_stored_results_suppress_noise", func(t *testing.T) {
		old := snap(map[string]snapshot.Cell{"A1": {Formula: "=B1", Value: "0.30000001", Cached: "0.3"}})
		new := snap(map[string]snapshot.Cell{"A1": {Formula: "=B1", Value: "0.3", Cached: "0.3"}})
		assert.Empty(t, c.Compare(old, new), "matching stored results should suppress the change")
	})

	t.Run("identical_stored_results_suppress_external_ref_noise", func(t *testing.T) {
		old := snap(map[string]snapshot.Cell{"A1": {Formula: "=[1]Rates!B2", Value: "0.30000001", Cached: "0.3"}})
		new := snap(map[string]snapshot.Cell{"A1": {Formula: "=[1]Rates!B2", Value: "0.3", Cached: "0.3"}})
		assert.Empty(t, c.Compare(old, new), "verification applies to external references too")
	})

	t.Run("different_stored_results_keep_external_ref", func(t *testing.T) {
		old := snap(map[string]snapshot.Cell{"A1": {Formula: "=[1]Rates!B2", Value: "10", Cached: "10"}})
		new := snap(map[string]snapshot.Cell{"A1": {Formula: "=[1]Rates!B2", Value: "12", Cached: "12"}})
		changes := c.Compare(old, new)
		require.Len(t, changes, 1)
		assert.Equal(t, KindExternalRef, changes[0].Kind)
	})

	t.Run("different_stored_results_keep_change", func(t *testing.T) {
		old := snap(map[string]snapshot.Cell{"A1": {Formula: "=B1", Value: "10", Cached: "10"}})
		new := snap(map[string]snapshot.Cell{"A1": {Formula: "=B1", Value: "12", Cached: "12"}})
		changes := c.Compare(old, new)
		require.Len(t, changes, 1)
		assert.Equal(t, KindIndirect, changes[0].Kind)
	})

	t.Run("limit_zero_disables_verification", func(t *testing.T) {
		noLimit := NewClassifier(&config.TrackArgs{IgnoreIndirect: boolPtr(false)})
		old := snap(map[string]snapshot.Cell{"A1": {Formula: "=B1", Value: "1", Cached: "2"}})
		new := snap(map[string]snapshot.Cell{"A1": {Formula: "=B1", Value: "3", Cached: "2"}})
		changes := noLimit.Compare(old, new)
		require.Len(t, changes, 1, "without a lookup budget the value difference stands")
	})
}

// Copyright 2018 The gVisor Authors.
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

package metric

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

// reset clears all global state in the metric package.
func reset() {
	allMetrics = &registry{metrics: make(map[string]*Uint64Metric)}
}

func TestRegistration(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/foo", "Foo!"); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/foo", "Foo again"); err != ErrNameInUse {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
	if _, err := NewUint64Metric("bar", "Bar"); err != ErrInvalidName {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrInvalidName)
	}
	if _, err := NewUint64Metric("/baz", "Baz", NewField("empty")); err != ErrFieldHasNoAllowedValues {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}
}

func TestFieldMapper(t *testing.T) {
	m, err := newFieldMapper(NewField("a", "x", "y"), NewField("b", "1", "2", "3"))
	if err != nil {
		t.Fatalf("newFieldMapper: %v", err)
	}
	seen := make(map[int]bool)
	for _, a := range []string{"x", "y"} {
		for _, b := range []string{"1", "2", "3"} {
			key := m.lookup(a, b)
			if seen[key] {
				t.Errorf("lookup(%q, %q) = %d, already used", a, b, key)
			}
			seen[key] = true
			if diff := cmp.Diff([]string{a, b}, m.keyToValues(key)); diff != "" {
				t.Errorf("keyToValues(%d) mismatch (-want +got):\n%s", key, diff)
			}
		}
	}
	if len(seen) != m.numFieldCombinations {
		t.Errorf("got %d keys want %d", len(seen), m.numFieldCombinations)
	}
}

func TestIncrement(t *testing.T) {
	defer reset()

	faults := MustCreateNewUint64Metric("/mm/page_faults", "Page faults.", NewField("result", "resolved", "unresolved"))
	copies := MustCreateNewUint64Metric("/mm/cow_copies", "Copies.")

	faults.Increment("resolved")
	faults.Increment("resolved")
	faults.Increment("unresolved")
	copies.IncrementBy(5)

	if got := faults.Value("resolved"); got != 2 {
		t.Errorf("resolved got %d want 2", got)
	}
	if got := faults.Value("unresolved"); got != 1 {
		t.Errorf("unresolved got %d want 1", got)
	}

	want := []Snapshot{
		{Name: "/mm/cow_copies", Value: 5},
		{Name: "/mm/page_faults", Fields: map[string]string{"result": "resolved"}, Value: 2},
		{Name: "/mm/page_faults", Fields: map[string]string{"result": "unresolved"}, Value: 1},
	}
	if diff := cmp.Diff(want, Values()); diff != "" {
		t.Errorf("Values() mismatch (-want +got):\n%s", diff)
	}
}

func TestDisallowedValuePanics(t *testing.T) {
	defer reset()

	m := MustCreateNewUint64Metric("/foo", "Foo!", NewField("result", "ok"))
	defer func() {
		if recover() == nil {
			t.Errorf("Increment with disallowed value did not panic")
		}
	}()
	m.Increment("bad")
}

func TestWritePrometheus(t *testing.T) {
	defer reset()

	faults := MustCreateNewUint64Metric("/mm/page_faults", "Page faults.", NewField("result", "resolved", "unresolved"))
	faults.IncrementBy(3, "resolved")
	MustCreateNewUint64Metric("/mm/swap_outs", "Swap outs.").Increment()

	var buf bytes.Buffer
	if err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("cannot parse output: %v\n%s", err, buf.String())
	}

	got := make(map[string]float64)
	for name, mf := range parsed {
		for _, m := range mf.GetMetric() {
			key := name
			for _, l := range m.GetLabel() {
				key += "{" + l.GetName() + "=" + l.GetValue() + "}"
			}
			got[key] = m.GetCounter().GetValue()
		}
	}
	want := map[string]float64{
		"vmcore_mm_page_faults{result=resolved}":   3,
		"vmcore_mm_page_faults{result=unresolved}": 0,
		"vmcore_mm_swap_outs":                      1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parsed metrics mismatch (-want +got):\n%s", diff)
	}
}

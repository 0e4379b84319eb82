// Copyright 2024 The gVisor Authors.
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

package hostarch

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRounding(t *testing.T) {
	for _, test := range []struct {
		addr     Addr
		down, up Addr
	}{
		{0, 0, 0},
		{1, 0, PageSize},
		{PageSize - 1, 0, PageSize},
		{PageSize, PageSize, PageSize},
		{0x1234, 0x1000, 0x2000},
	} {
		if got := test.addr.RoundDown(); got != test.down {
			t.Errorf("%v.RoundDown() = %v, want %v", test.addr, got, test.down)
		}
		if got, ok := test.addr.RoundUp(); !ok || got != test.up {
			t.Errorf("%v.RoundUp() = %v, %t, want %v, true", test.addr, got, ok, test.up)
		}
	}
	if _, ok := (^Addr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the last address did not report wraparound")
	}
}

func TestForEachPage(t *testing.T) {
	var got []Addr
	AddrRange{0x1800, 0x3001}.ForEachPage(func(p Addr) {
		got = append(got, p)
	})
	want := []Addr{0x1000, 0x2000, 0x3000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ForEachPage mismatch (-want +got):\n%s", diff)
	}
	if n := (AddrRange{0x1800, 0x3001}).NumPages(); n != 3 {
		t.Errorf("NumPages = %d, want 3", n)
	}
}

func TestAddrRange(t *testing.T) {
	r := AddrRange{0x1000, 0x4000}
	if !r.Contains(0x1000) || !r.Contains(0x3fff) || r.Contains(0x4000) {
		t.Errorf("%v: Contains is not half-open", r)
	}
	if !r.Overlaps(AddrRange{0x3000, 0x5000}) {
		t.Errorf("%v should overlap [0x3000, 0x5000)", r)
	}
	if r.Overlaps(AddrRange{0x4000, 0x5000}) {
		t.Errorf("%v should not overlap [0x4000, 0x5000)", r)
	}
}

func TestAccessTypeString(t *testing.T) {
	for at, want := range map[AccessType]string{
		NoAccess:  "---",
		Read:      "r--",
		ReadWrite: "rw-",
		AnyAccess: "rwx",
	} {
		if got := at.String(); got != want {
			t.Errorf("%#v.String() = %q, want %q", at, got, want)
		}
	}
	if !ReadWrite.SupersetOf(Write) || Read.SupersetOf(Write) {
		t.Errorf("SupersetOf is inconsistent")
	}
}

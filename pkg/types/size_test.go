/*
Copyright © 2022 - 2024 SUSE LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package types

import "testing"

func TestParsePartitionSizeGrow(t *testing.T) {
	s, err := ParsePartitionSize("grow")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.IsGrow() {
		t.Errorf("expected Grow, got %+v", s)
	}
}

func TestParsePartitionSizeUnits(t *testing.T) {
	cases := map[string]uint64{
		"512":  512,
		"100K": 100 * 1024,
		"2M":   2 * 1024 * 1024,
		"1G":   1024 * 1024 * 1024,
		"1g":   1024 * 1024 * 1024,
	}
	for input, want := range cases {
		s, err := ParsePartitionSize(input)
		if err != nil {
			t.Fatalf("ParsePartitionSize(%q): unexpected error: %v", input, err)
		}
		if s.Bytes != want {
			t.Errorf("ParsePartitionSize(%q) = %d, want %d", input, s.Bytes, want)
		}
	}
}

func TestParsePartitionSizeRejectsUnknownUnit(t *testing.T) {
	if _, err := ParsePartitionSize("5X"); err == nil {
		t.Fatal("expected error for unknown unit")
	}
}

func TestParsePartitionSizeRejectsGarbage(t *testing.T) {
	if _, err := ParsePartitionSize("not-a-size"); err == nil {
		t.Fatal("expected error for unparseable size")
	}
}

func TestPartitionSizeJSONRoundTrip(t *testing.T) {
	want, err := ParsePartitionSize("4G")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	encoded, err := want.MarshalJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got PartitionSize
	if err := got.UnmarshalJSON(encoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

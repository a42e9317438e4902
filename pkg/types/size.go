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

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PartitionSize is a tagged union: either a fixed byte count or "grow",
// meaning "consume remaining free space". Uses a custom unmarshaler so
// configuration files can write either a byte count or the literal
// string "grow".
type PartitionSize struct {
	Grow  bool
	Bytes uint64
}

func (s PartitionSize) IsGrow() bool { return s.Grow }

var sizeUnits = map[string]uint64{
	"":  1,
	"K": 1024,
	"M": 1024 * 1024,
	"G": 1024 * 1024 * 1024,
	"T": 1024 * 1024 * 1024 * 1024,
}

// ParsePartitionSize parses "grow" or a "<number><unit>" string such as
// "100M", "1G".
func ParsePartitionSize(s string) (PartitionSize, error) {
	if strings.EqualFold(s, "grow") {
		return PartitionSize{Grow: true}, nil
	}
	s = strings.TrimSpace(s)
	i := len(s)
	for i > 0 && (s[i-1] < '0' || s[i-1] > '9') {
		i--
	}
	numPart, unitPart := s[:i], strings.ToUpper(s[i:])
	n, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return PartitionSize{}, fmt.Errorf("invalid partition size %q: %w", s, err)
	}
	mult, ok := sizeUnits[unitPart]
	if !ok {
		return PartitionSize{}, fmt.Errorf("invalid partition size unit %q in %q", unitPart, s)
	}
	return PartitionSize{Bytes: n * mult}, nil
}

func (s PartitionSize) String() string {
	if s.Grow {
		return "grow"
	}
	return fmt.Sprintf("%d", s.Bytes)
}

func (s PartitionSize) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s *PartitionSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	parsed, err := ParsePartitionSize(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s PartitionSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *PartitionSize) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParsePartitionSize(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

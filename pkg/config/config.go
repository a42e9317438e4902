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

// Package config loads a HostConfiguration via viper and wires up the
// engine's logrus logger.
package config

import (
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/elemental-toolkit/tridentd/pkg/types"
)

// Load reads a HostConfiguration from path (yaml or json, sniffed by
// viper from the extension), applying decode hooks for PartitionSize and
// other custom-unmarshal types declared in pkg/types.
func Load(path string) (types.HostConfiguration, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRIDENTD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return types.HostConfiguration{}, types.WrapServicingError(types.ErrorKindInvalidInput, err, "failed to read configuration file")
	}

	var cfg types.HostConfiguration
	decoderOpts := func(c *mapstructure.DecoderConfig) {
		c.TagName = "mapstructure"
		c.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			partitionSizeDecodeHook,
		)
	}
	if err := v.Unmarshal(&cfg, decoderOpts); err != nil {
		return types.HostConfiguration{}, types.WrapServicingError(types.ErrorKindInvalidInput, err, "failed to decode configuration")
	}

	if err := cfg.Sanitize(); err != nil {
		return types.HostConfiguration{}, err
	}
	return cfg, nil
}

// partitionSizeDecodeHook lets YAML/JSON configs spell partition sizes as
// plain strings ("100M", "grow") and decodes them into types.PartitionSize
// via its own ParsePartitionSize, instead of requiring viper callers to
// pre-structure the value.
func partitionSizeDecodeHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(types.PartitionSize{}) {
		return data, nil
	}
	if from.Kind() != reflect.String {
		return data, nil
	}
	return types.ParsePartitionSize(data.(string))
}

// NewLogger builds a logrus.Logger with the text formatter for
// interactive runs, switching to JSON when running non-interactively
// (stdout is not a terminal is the caller's concern; this just exposes
// the two formatter choices).
func NewLogger(jsonFormat bool, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	if jsonFormat {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

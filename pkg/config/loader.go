// Copyright 2025 Kadir Pekel
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

package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Load reads a YAML config file from path, expands ${VAR}-style
// environment references, and unmarshals it into a Config with
// defaults applied. A missing path yields a default Config (this
// system is single-host and config-optional).
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				cfg.SetDefaults()
				return cfg, nil
			}
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}

		expanded := expandEnvVars(string(raw))

		k := koanf.New(".")
		if err := k.Load(rawbytes.Provider([]byte(expanded)), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		if err := k.Unmarshal("", cfg); err != nil {
			return nil, fmt.Errorf("unmarshalling config %s: %w", path, err)
		}
	}

	cfg.SetDefaults()
	return cfg, nil
}

// LoadFromProvider loads configuration from an arbitrary koanf file
// provider, for callers that already hold one (e.g. tests pointing at
// a fixture directory).
func LoadFromProvider(p *file.File) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(p, yaml.Parser()); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return cfg, nil
}

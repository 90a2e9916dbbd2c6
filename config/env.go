// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package config

import (
	"os"
	"strings"
)

// Env represents a Source where its underlying values are extracted from
// environment variables.
type Env struct {
	prefix  string
	environ func() []string
}

// FromEnv returns a Source reading the environment variables of the current
// process. Only variables starting with prefix are applied; the prefix is
// stripped, the rest is lowercased and "__" separates nesting levels.
//
// With prefix "TELHAUL_", TELHAUL_INGEST__ADDR=:8080 sets ingest.addr.
func FromEnv(prefix string) Env {
	return Env{
		prefix:  prefix,
		environ: os.Environ,
	}
}

// Apply implements the Source interface.
func (src Env) Apply(store Store) error {
	for _, pair := range src.environ() {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if src.prefix != "" && !strings.HasPrefix(k, src.prefix) {
			continue
		}
		k = strings.ToLower(strings.TrimPrefix(k, src.prefix))
		err := store.Set(strings.Split(k, "__"), v)
		if err != nil {
			return err
		}
	}
	return nil
}

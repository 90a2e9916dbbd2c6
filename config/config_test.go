// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package config

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	t.Run("will merge sources in order", func(t *testing.T) {
		a := Map{
			"ingest": map[string]any{
				"addr": ":8080",
			},
			"log_level": "info",
		}
		b := Map{
			"log_level": "debug",
		}

		m, err := Read(a, b)
		require.Nil(t, err)

		var cfg struct {
			LogLevel string `config:"log_level"`
			Ingest   struct {
				Addr string `config:"addr"`
			} `config:"ingest"`
		}
		require.Nil(t, m.Unmarshal(&cfg))

		// the later source wins
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, ":8080", cfg.Ingest.Addr)
	})

	t.Run("will return an error", func(t *testing.T) {
		t.Run("if a leaf key collides with a nested key", func(t *testing.T) {
			a := Map{"ingest": "oops"}
			b := Map{
				"ingest": map[string]any{
					"addr": ":8080",
				},
			}

			_, err := Read(a, b)
			var kerr KeyConflictError
			assert.ErrorAs(t, err, &kerr)
		})
	})
}

func TestManager_Unmarshal(t *testing.T) {
	t.Run("will parse durations", func(t *testing.T) {
		t.Run("if the value is a string", func(t *testing.T) {
			m, err := Read(Map{"max_batch_age": "5s"})
			require.Nil(t, err)

			var cfg struct {
				MaxBatchAge time.Duration `config:"max_batch_age"`
			}
			require.Nil(t, m.Unmarshal(&cfg))
			assert.Equal(t, 5*time.Second, cfg.MaxBatchAge)
		})

		t.Run("if the value is an integer", func(t *testing.T) {
			m, err := Read(Map{"max_batch_age": int(time.Minute)})
			require.Nil(t, err)

			var cfg struct {
				MaxBatchAge time.Duration `config:"max_batch_age"`
			}
			require.Nil(t, m.Unmarshal(&cfg))
			assert.Equal(t, time.Minute, cfg.MaxBatchAge)
		})
	})

	t.Run("will use encoding.TextUnmarshaler implementations", func(t *testing.T) {
		m, err := Read(Map{"started_at": "2025-03-01T12:00:00Z"})
		require.Nil(t, err)

		var cfg struct {
			StartedAt time.Time `config:"started_at"`
		}
		require.Nil(t, m.Unmarshal(&cfg))
		assert.Equal(t, time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC), cfg.StartedAt)
	})

	t.Run("will return an error", func(t *testing.T) {
		t.Run("if the value cannot be coerced", func(t *testing.T) {
			m, err := Read(Map{"max_batch_age": "not a duration"})
			require.Nil(t, err)

			var cfg struct {
				MaxBatchAge time.Duration `config:"max_batch_age"`
			}
			err = m.Unmarshal(&cfg)
			var terr TypeCoercionError
			assert.ErrorAs(t, err, &terr)
		})
	})
}

func TestFromYaml(t *testing.T) {
	t.Run("will apply nested values", func(t *testing.T) {
		src := FromYaml(strings.NewReader(`
pipelines:
  - name: llm-traces
    kinds: [trace-span]
    max_batch_size: 256
    max_batch_age: 2s
`))

		m, err := Read(src)
		require.Nil(t, err)

		var cfg struct {
			Pipelines []struct {
				Name         string        `config:"name"`
				Kinds        []string      `config:"kinds"`
				MaxBatchSize int           `config:"max_batch_size"`
				MaxBatchAge  time.Duration `config:"max_batch_age"`
			} `config:"pipelines"`
		}
		require.Nil(t, m.Unmarshal(&cfg))
		require.Len(t, cfg.Pipelines, 1)
		assert.Equal(t, "llm-traces", cfg.Pipelines[0].Name)
		assert.Equal(t, []string{"trace-span"}, cfg.Pipelines[0].Kinds)
		assert.Equal(t, 256, cfg.Pipelines[0].MaxBatchSize)
		assert.Equal(t, 2*time.Second, cfg.Pipelines[0].MaxBatchAge)
	})

	t.Run("will return an error", func(t *testing.T) {
		t.Run("if the yaml is invalid", func(t *testing.T) {
			_, err := Read(FromYaml(strings.NewReader("{:")))
			var yerr InvalidYamlError
			assert.ErrorAs(t, err, &yerr)
		})
	})
}

func TestFromEnv(t *testing.T) {
	t.Run("will apply only prefixed variables", func(t *testing.T) {
		src := Env{
			prefix: "TELHAUL_",
			environ: func() []string {
				return []string{
					"TELHAUL_LOG_LEVEL=debug",
					"TELHAUL_INGEST__ADDR=:9090",
					"PATH=/usr/bin",
				}
			},
		}

		m, err := Read(src)
		require.Nil(t, err)

		var cfg struct {
			LogLevel string `config:"log_level"`
			Path     string `config:"path"`
			Ingest   struct {
				Addr string `config:"addr"`
			} `config:"ingest"`
		}
		require.Nil(t, m.Unmarshal(&cfg))
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, ":9090", cfg.Ingest.Addr)
		assert.Empty(t, cfg.Path)
	})

	t.Run("will override file values", func(t *testing.T) {
		yaml := FromYaml(strings.NewReader("log_level: info"))
		env := Env{
			prefix: "TELHAUL_",
			environ: func() []string {
				return []string{"TELHAUL_LOG_LEVEL=warn"}
			},
		}

		m, err := Read(yaml, env)
		require.Nil(t, err)

		var cfg struct {
			LogLevel string `config:"log_level"`
		}
		require.Nil(t, m.Unmarshal(&cfg))
		assert.Equal(t, "warn", cfg.LogLevel)
	})
}

func TestFileReader(t *testing.T) {
	t.Run("will read the file contents", func(t *testing.T) {
		fsys := fstest.MapFS{
			"telhaul.yaml": &fstest.MapFile{Data: []byte("log_level: debug")},
		}

		m, err := Read(FromYaml(NewFileReader(fsys, "telhaul.yaml")))
		require.Nil(t, err)

		var cfg struct {
			LogLevel string `config:"log_level"`
		}
		require.Nil(t, m.Unmarshal(&cfg))
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("will return an error", func(t *testing.T) {
		t.Run("if the file does not exist", func(t *testing.T) {
			_, err := Read(FromYaml(NewFileReader(fstest.MapFS{}, "missing.yaml")))
			assert.Error(t, err)
		})
	})
}

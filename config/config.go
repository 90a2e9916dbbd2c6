// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package config reads and merges configuration from files and the
// environment into typed structs.
package config

import (
	"encoding"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Store is a nested key value structure sources write into. The path holds
// one element per nesting level.
type Store interface {
	Set(path []string, value any) error
}

// Source serializes itself into a Store. Sources are applied in order, so a
// later source overrides keys set by an earlier one.
type Source interface {
	Apply(Store) error
}

// Map is an ordinary map[string]any that implements both Source and Store.
type Map map[string]any

// Apply implements the Source interface. It walks the map recursively to
// find the leaf values to set on the store.
func (m Map) Apply(store Store) error {
	return walkMap(m, store, nil)
}

func walkMap(m map[string]any, store Store, path []string) error {
	for k, v := range m {
		switch x := v.(type) {
		case map[string]any:
			err := walkMap(x, store, append(path, k))
			if err != nil {
				return err
			}
		default:
			err := store.Set(append(path, k), x)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// EmptyPathError occurs when a source tries to set a value without a key.
type EmptyPathError struct {
	Value any
}

// Error implements the error interface.
func (e EmptyPathError) Error() string {
	return fmt.Sprintf("attempted to set value with an empty key path: %v", e.Value)
}

// KeyConflictError occurs when a source sets a leaf value on a key that an
// earlier source already populated with nested keys.
type KeyConflictError struct {
	Key string
}

// Error implements the error interface.
func (e KeyConflictError) Error() string {
	return fmt.Sprintf("expected key to hold nested values: %s", e.Key)
}

// Set implements the Store interface.
func (m Map) Set(path []string, value any) error {
	if len(path) == 0 {
		return EmptyPathError{Value: value}
	}
	if len(path) == 1 {
		m[path[0]] = value
		return nil
	}

	sub, ok := m[path[0]]
	if !ok {
		sub = make(map[string]any)
		m[path[0]] = sub
	}
	subM, ok := sub.(map[string]any)
	if !ok {
		return KeyConflictError{Key: path[0]}
	}
	return Map(subM).Set(path[1:], value)
}

// Manager holds the merged config values and unmarshals them into typed
// structs.
type Manager struct {
	store Map
}

// Read applies the given sources in order into a fresh store. Subsequent
// sources override previous sources.
func Read(srcs ...Source) (*Manager, error) {
	store := make(Map)
	for _, src := range srcs {
		err := src.Apply(store)
		if err != nil {
			return nil, err
		}
	}
	return &Manager{store: store}, nil
}

// Unmarshal decodes the merged values into v, matching struct fields by
// their "config" tag.
func (m *Manager) Unmarshal(v any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "config",
		Result:  v,
		DecodeHook: composeDecodeHooks(
			textUnmarshalerHookFunc(),
			timeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(m.store)
}

var errInvalidDecodeCondition = errors.New("invalid decode condition")

// TypeCoercionError occurs when a config value cannot be coerced to the
// type of the struct field it is unmarshalled into.
type TypeCoercionError struct {
	from  reflect.Value
	to    reflect.Value
	Cause error
}

// Error implements the error interface.
func (e TypeCoercionError) Error() string {
	return fmt.Sprintf("failed to coerce value from %s to %s: %s", e.from.Type().Name(), e.to.Type().Name(), e.Cause)
}

// Unwrap implements the implicit interface for usage with errors.Is and errors.As.
func (e TypeCoercionError) Unwrap() error {
	return e.Cause
}

func composeDecodeHooks(hs ...mapstructure.DecodeHookFunc) mapstructure.DecodeHookFuncValue {
	return func(f, t reflect.Value) (any, error) {
		for _, h := range hs {
			v, err := mapstructure.DecodeHookExec(h, f, t)
			if err == nil {
				return v, nil
			}
			if err == errInvalidDecodeCondition {
				continue
			}
			return nil, TypeCoercionError{
				from:  f,
				to:    t,
				Cause: err,
			}
		}
		return f.Interface(), nil
	}
}

func textUnmarshalerHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String {
			return nil, errInvalidDecodeCondition
		}
		result := reflect.New(t).Interface()
		u, ok := result.(encoding.TextUnmarshaler)
		if !ok {
			return nil, errInvalidDecodeCondition
		}
		err := u.UnmarshalText([]byte(data.(string)))
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

func timeDurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != reflect.TypeOf(time.Duration(0)) {
			return nil, errInvalidDecodeCondition
		}

		switch f.Kind() {
		case reflect.String:
			return time.ParseDuration(data.(string))
		case reflect.Int:
			return time.Duration(int64(data.(int))), nil
		default:
			return nil, errInvalidDecodeCondition
		}
	}
}

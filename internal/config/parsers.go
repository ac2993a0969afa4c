// Package config loads chatload settings from flags, an optional config
// file and the environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/cast"
)

// lookupSetting returns the first of the candidate keys present in settings.
// Viper lowercases keys, so the lowercase form of each candidate is tried too.
func lookupSetting(settings map[string]interface{}, candidates ...string) (interface{}, bool) {
	for _, key := range candidates {
		if val, ok := settings[key]; ok {
			return val, true
		}
		if val, ok := settings[strings.ToLower(key)]; ok {
			return val, true
		}
	}
	return nil, false
}

// blank reports whether a config value should be treated as unset.
func blank(value interface{}) bool {
	if value == nil {
		return true
	}
	s, ok := value.(string)
	return ok && strings.TrimSpace(s) == ""
}

func asString(value interface{}) (string, error) {
	return cast.ToStringE(value)
}

func asInt(value interface{}) (int, error) {
	if blank(value) {
		return 0, nil
	}
	if s, ok := value.(string); ok {
		value = strings.TrimSpace(s)
	}
	return cast.ToIntE(value)
}

func asFloat64(value interface{}) (float64, error) {
	if blank(value) {
		return 0, nil
	}
	if s, ok := value.(string); ok {
		value = strings.TrimSpace(s)
	}
	return cast.ToFloat64E(value)
}

func asBool(value interface{}) (bool, error) {
	if blank(value) {
		return false, nil
	}
	if s, ok := value.(string); ok {
		value = strings.TrimSpace(s)
	}
	return cast.ToBoolE(value)
}

// asDuration parses Go duration strings. Bare numbers in a config file mean
// seconds, unlike cast which reads them as nanoseconds.
func asDuration(value interface{}) (time.Duration, error) {
	if blank(value) {
		return 0, nil
	}
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case string:
		return time.ParseDuration(strings.TrimSpace(v))
	}
	secs, err := cast.ToFloat64E(value)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// asStringSlice accepts a list or a single string. A single string is one
// element; it is not split on whitespace.
func asStringSlice(value interface{}) ([]string, error) {
	if value == nil {
		return nil, nil
	}
	if s, ok := value.(string); ok {
		return []string{s}, nil
	}
	return cast.ToStringSliceE(value)
}

// toStringKeyMap normalizes a nested config section to lowercase string keys.
func toStringKeyMap(value interface{}) (map[string]interface{}, error) {
	raw, err := cast.ToStringMapE(value)
	if err != nil {
		return nil, err
	}
	result := make(map[string]interface{}, len(raw))
	for key, val := range raw {
		result[strings.ToLower(strings.TrimSpace(key))] = val
	}
	return result, nil
}

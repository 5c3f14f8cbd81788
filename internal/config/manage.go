package config

import (
	"fmt"
	"strconv"
)

// KeyInfo is one displayable setting.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists the effective value of every non-secret key.
func ShowAll(cfg Config) []KeyInfo {
	out := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		if !s.secret {
			out = append(out, KeyInfo{Key: s.key, EnvVar: s.env, Value: fmt.Sprint(s.extract(cfg))})
		}
	}
	return out
}

// ValidKeys lists the keys SetKey accepts.
func ValidKeys() []string {
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		if !s.secret {
			out = append(out, s.key)
		}
	}
	return out
}

// SetKey persists key=value in the config file after checking the value
// parses as the key's type.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookupSpec(key)
	switch {
	case !ok:
		return fmt.Errorf("unknown config key: %q", key)
	case s.secret:
		return fmt.Errorf("%q is a secret; set it with the %s environment variable", key, s.env)
	}

	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s expects an integer: %w", key, err)
		}
		return b.SetInt(key, i)
	case kFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s expects a number: %w", key, err)
		}
		return b.SetFloat(key, f)
	case kBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%s expects true or false: %w", key, err)
		}
	}
	return b.SetString(key, value)
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

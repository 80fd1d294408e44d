// Package settings parses "param1=value1;param2=value2" settings strings, typically given by the user in a flag,
// into a Params map holding default values.
package settings

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Params maps parameter names to values. The default values also define the type to which the string values
// are parsed.
type Params map[string]any

// Get returns the value of key converted to T. It panics if key is missing or of a different type: keys are
// always set by the code defining the defaults.
func Get[T any](params Params, key string) T {
	value, found := params[key]
	if !found {
		panic(errors.Errorf("settings: parameter %q not defined", key))
	}
	typed, ok := value.(T)
	if !ok {
		panic(errors.Errorf("settings: parameter %q is a %T, not a %T", key, value, typed))
	}
	return typed
}

// Parse settings into params. The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters must be already set with default values in params. It returns the list of parameters set,
// and an error if a parameter is unknown or a value failed to parse.
//
// A setting "file:<path>" reads more settings from the file, one or more per line. Empty lines and lines starting
// with "#" are ignored.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
func Parse(params Params, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(params, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func replaceTilde(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "failed to expand %q", path)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func parseSetting(params Params, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		var filePath string
		filePath, err = replaceTilde(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, setting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(params, setting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	key, valueStr, found := strings.Cut(setting, "=")
	if !found {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	key = strings.TrimSpace(key)
	value, found := params[key]
	if !found {
		err = errors.Errorf("can't set parameter %q: unknown parameter, known parameters are %s",
			key, strings.Join(sortedKeys(params), ", "))
		return
	}

	switch v := value.(type) {
	case int:
		valueStr = strings.ReplaceAll(valueStr, "_", "")
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case int64:
		valueStr = strings.ReplaceAll(valueStr, "_", "")
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case float32:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []string:
		if valueStr == "" {
			value = []string{}
		} else {
			value = strings.Split(valueStr, ",")
		}
	default:
		err = fmt.Errorf("don't know how to parse type %T for setting parameter %q", value, setting)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)", valueStr, key, params[key])
		return
	}
	params[key] = value
	newParamsSet = append(newParamsSet, key)
	return
}

func sortedKeys(params Params) []string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Sprint returns a "key=value" listing of params, one per line, sorted by key.
func Sprint(params Params) string {
	var sb strings.Builder
	for _, key := range sortedKeys(params) {
		value := params[key]
		if list, ok := value.([]string); ok {
			value = strings.Join(list, ",")
		}
		_, _ = fmt.Fprintf(&sb, "%s=%v\n", key, value)
	}
	return sb.String()
}

// CreateFlag creates a string flag in fs with the given name (if empty it will be named "set") and a
// description of the parameters defined in params. Pass the flag value to Parse after fs is parsed.
func CreateFlag(fs *flag.FlagSet, params Params, name string) *string {
	if name == "" {
		name = "set"
	}
	var sb strings.Builder
	sb.WriteString("Set parameters, separated by \";\", e.g. \"key1=value1;key2=value2\". ")
	sb.WriteString("Use \"file:<path>\" to read settings from a file. Known parameters and defaults:\n")
	for _, key := range sortedKeys(params) {
		_, _ = fmt.Fprintf(&sb, "\t%s=%v\n", key, params[key])
	}
	return fs.String(name, "", sb.String())
}

package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

type builtinFunc func(args []any) (any, error)

// builtins is the closed set of safe functions reachable from expressions.
// Nothing here touches the filesystem, network, or clock.
var builtins = map[string]builtinFunc{
	"len":        biLen,
	"str":        arity1(func(v any) (any, error) { return stringify(v), nil }),
	"num":        biNum,
	"int":        biInt,
	"abs":        numeric1(math.Abs),
	"floor":      numeric1(math.Floor),
	"ceil":       numeric1(math.Ceil),
	"round":      numeric1(math.Round),
	"min":        biMin,
	"max":        biMax,
	"upper":      string1(strings.ToUpper),
	"lower":      string1(strings.ToLower),
	"trim":       string1(strings.TrimSpace),
	"contains":   biContains,
	"startsWith": string2bool(strings.HasPrefix),
	"endsWith":   string2bool(strings.HasSuffix),
	"replace":    biReplace,
	"split":      biSplit,
	"join":       biJoin,
	"substr":     biSubstr,
	"keys":       biKeys,
	"values":     biValues,
	"range":      biRange,
	"array":      func(args []any) (any, error) { return append([]any(nil), args...), nil },
	"object":     biObject,
	"jsonEncode": arity1(func(v any) (any, error) { return jsonEncode(v) }),
	"jsonDecode": biJSONDecode,
	"default":    biDefault,
}

func jsonEncode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("jsonEncode: %w", err)
	}
	return string(data), nil
}

func arity1(fn func(any) (any, error)) builtinFunc {
	return func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		return fn(args[0])
	}
}

func numeric1(fn func(float64) float64) builtinFunc {
	return arity1(func(v any) (any, error) {
		f, err := toNumber(v)
		if err != nil {
			return nil, err
		}
		return fn(f), nil
	})
}

func string1(fn func(string) string) builtinFunc {
	return arity1(func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", v)
		}
		return fn(s), nil
	})
}

func string2bool(fn func(string, string) bool) builtinFunc {
	return func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("expected 2 arguments, got %d", len(args))
		}
		a, aok := args[0].(string)
		b, bok := args[1].(string)
		if !aok || !bok {
			return nil, fmt.Errorf("expected string arguments")
		}
		return fn(a, b), nil
	}
}

func biLen(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("len expects 1 argument")
	}
	switch v := args[0].(type) {
	case string:
		return float64(len(v)), nil
	case []any:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	case nil:
		return float64(0), nil
	}
	return nil, fmt.Errorf("len of %T", args[0])
}

func biNum(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("num expects 1 argument")
	}
	if s, ok := args[0].(string); ok {
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(s), "%g", &f); err != nil {
			return nil, fmt.Errorf("num: cannot parse %q", s)
		}
		return f, nil
	}
	return toNumber(args[0])
}

func biInt(args []any) (any, error) {
	v, err := biNum(args)
	if err != nil {
		return nil, err
	}
	return math.Trunc(v.(float64)), nil
}

func biMin(args []any) (any, error) {
	return fold(args, "min", math.Min)
}

func biMax(args []any) (any, error) {
	return fold(args, "max", math.Max)
}

func fold(args []any, name string, fn func(float64, float64) float64) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s expects at least 1 argument", name)
	}
	acc, err := toNumber(args[0])
	if err != nil {
		return nil, err
	}
	for _, a := range args[1:] {
		f, err := toNumber(a)
		if err != nil {
			return nil, err
		}
		acc = fn(acc, f)
	}
	return acc, nil
}

func biContains(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("contains expects 2 arguments")
	}
	switch hay := args[0].(type) {
	case string:
		needle, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("contains on a string needs a string needle")
		}
		return strings.Contains(hay, needle), nil
	case []any:
		for _, v := range hay {
			if equal(v, args[1]) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("contains on an object needs a string key")
		}
		_, present := hay[key]
		return present, nil
	}
	return nil, fmt.Errorf("contains on %T", args[0])
}

func biReplace(args []any) (any, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("replace expects 3 arguments")
	}
	s, ok1 := args[0].(string)
	old, ok2 := args[1].(string)
	repl, ok3 := args[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("replace expects string arguments")
	}
	return strings.ReplaceAll(s, old, repl), nil
}

func biSplit(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("split expects 2 arguments")
	}
	s, ok1 := args[0].(string)
	sep, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("split expects string arguments")
	}
	parts := strings.Split(s, sep)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func biJoin(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("join expects 2 arguments")
	}
	arr, ok1 := args[0].([]any)
	sep, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("join expects (array, string)")
	}
	parts := make([]string, len(arr))
	for i, v := range arr {
		parts[i] = stringify(v)
	}
	return strings.Join(parts, sep), nil
}

func biSubstr(args []any) (any, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("substr expects 3 arguments")
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("substr expects a string")
	}
	from, err := toNumber(args[1])
	if err != nil {
		return nil, err
	}
	to, err := toNumber(args[2])
	if err != nil {
		return nil, err
	}
	i, j := int(from), int(to)
	if i < 0 {
		i = 0
	}
	if j > len(s) {
		j = len(s)
	}
	if i > j {
		return "", nil
	}
	return s[i:j], nil
}

func biKeys(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("keys expects 1 argument")
	}
	obj, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("keys of %T", args[0])
	}
	out := make([]any, 0, len(obj))
	for k := range obj {
		out = append(out, k)
	}
	// Deterministic order for stable expressions.
	sortAnyStrings(out)
	return out, nil
}

func biValues(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("values expects 1 argument")
	}
	obj, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("values of %T", args[0])
	}
	keys, _ := biKeys(args)
	out := make([]any, 0, len(obj))
	for _, k := range keys.([]any) {
		out = append(out, obj[k.(string)])
	}
	return out, nil
}

func sortAnyStrings(vals []any) {
	for i := 1; i < len(vals); i++ {
		for j := i; j > 0 && vals[j].(string) < vals[j-1].(string); j-- {
			vals[j], vals[j-1] = vals[j-1], vals[j]
		}
	}
}

func biRange(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("range expects 1 argument")
	}
	n, err := toNumber(args[0])
	if err != nil {
		return nil, err
	}
	count := int(n)
	if count < 0 || count > 1_000_000 {
		return nil, fmt.Errorf("range count %d out of bounds", count)
	}
	out := make([]any, count)
	for i := range count {
		out[i] = float64(i)
	}
	return out, nil
}

func biObject(args []any) (any, error) {
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("object expects key/value pairs")
	}
	out := make(map[string]any, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			return nil, fmt.Errorf("object key must be a string, got %T", args[i])
		}
		out[key] = args[i+1]
	}
	return out, nil
}

func biJSONDecode(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("jsonDecode expects 1 argument")
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("jsonDecode expects a string")
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("jsonDecode: %w", err)
	}
	return out, nil
}

func biDefault(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("default expects 2 arguments")
	}
	if args[0] == nil || args[0] == "" {
		return args[1], nil
	}
	return args[0], nil
}

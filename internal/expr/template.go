package expr

import (
	"strings"
	"time"

	"github.com/weftworks/weft/internal/werr"
)

// Render substitutes every `{{ expression }}` span in tmpl with its
// evaluated, stringified value. Text outside the spans passes through
// untouched; unterminated spans are an error.
func Render(tmpl string, env Env, budget time.Duration) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	var sb strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:start])
		rest = rest[start+2:]

		end := strings.Index(rest, "}}")
		if end < 0 {
			return "", werr.New(werr.CodeExpressionError, "unterminated {{ in template")
		}
		src := strings.TrimSpace(rest[:end])
		rest = rest[end+2:]

		val, err := Eval(src, env, budget)
		if err != nil {
			return "", err
		}
		sb.WriteString(stringify(val))
	}
}

// MapEnv adapts a plain map to an Env.
func MapEnv(m map[string]any) Env {
	return func(name string) (any, bool) {
		v, ok := m[name]
		return v, ok
	}
}

// ChainEnv tries each env in order, first hit wins.
func ChainEnv(envs ...Env) Env {
	return func(name string) (any, bool) {
		for _, e := range envs {
			if v, ok := e(name); ok {
				return v, true
			}
		}
		return nil, false
	}
}

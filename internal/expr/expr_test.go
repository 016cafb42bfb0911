package expr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/weftworks/weft/internal/werr"
)

func env(m map[string]any) Env { return MapEnv(m) }

func TestEval_Arithmetic(t *testing.T) {
	cases := []struct {
		src  string
		want any
	}{
		{"1 + 2 * 3", float64(7)},
		{"(1 + 2) * 3", float64(9)},
		{"10 / 4", float64(2.5)},
		{"10 % 3", float64(1)},
		{"-5 + 2", float64(-3)},
		{"2 < 3", true},
		{"2 >= 3", false},
		{"1 == 1 && 2 != 3", true},
		{"false || 1 > 0", true},
		{"!(1 == 1)", false},
		{"'a' + 'b'", "ab"},
		{"'n=' + 42", "n=42"},
		{"null == null", true},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			got, err := Eval(tc.src, env(nil), 0)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestEval_MemberAndIndex(t *testing.T) {
	e := env(map[string]any{
		"nodes": map[string]any{
			"plan": map[string]any{"out": "done", "count": float64(3)},
		},
		"items": []any{"a", "b", "c"},
	})

	got, err := Eval("nodes.plan.out", e, 0)
	require.NoError(t, err)
	require.Equal(t, "done", got)

	got, err = Eval("nodes['plan'].count + 1", e, 0)
	require.NoError(t, err)
	require.Equal(t, float64(4), got)

	got, err = Eval("items[1]", e, 0)
	require.NoError(t, err)
	require.Equal(t, "b", got)

	_, err = Eval("items[9]", e, 0)
	require.Error(t, err)
	require.Equal(t, werr.CodeExpressionError, werr.CodeOf(err))
}

func TestEval_UnknownIdentifier(t *testing.T) {
	_, err := Eval("missing + 1", env(nil), 0)
	require.Error(t, err)
	require.Equal(t, werr.CodeExpressionError, werr.CodeOf(err))
}

func TestEval_Builtins(t *testing.T) {
	e := env(map[string]any{
		"names": []any{"ada", "grace"},
		"obj":   map[string]any{"b": float64(2), "a": float64(1)},
	})

	cases := []struct {
		src  string
		want any
	}{
		{"len('abc')", float64(3)},
		{"len(names)", float64(2)},
		{"upper('abc')", "ABC"},
		{"trim('  x  ')", "x"},
		{"min(3, 1, 2)", float64(1)},
		{"max(3, 1, 2)", float64(3)},
		{"contains('workflow', 'flow')", true},
		{"contains(names, 'ada')", true},
		{"join(names, ', ')", "ada, grace"},
		{"split('a,b', ',')[1]", "b"},
		{"substr('abcdef', 1, 3)", "bc"},
		{"keys(obj)[0]", "a"},
		{"jsonEncode(array(1, 2))", "[1,2]"},
		{"jsonDecode('{\"k\": 5}').k", float64(5)},
		{"object('k', 7).k", float64(7)},
		{"default(null, 'fallback')", "fallback"},
		{"default('set', 'fallback')", "set"},
		{"len(range(4))", float64(4)},
		{"int('42')", float64(42)},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			got, err := Eval(tc.src, e, 0)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestEval_NoUnsafeFunctions(t *testing.T) {
	for _, src := range []string{"open('/etc/passwd')", "exec('ls')", "fetch('http://x')"} {
		_, err := Eval(src, env(nil), 0)
		require.Error(t, err, src)
	}
}

func TestEval_DivisionByZero(t *testing.T) {
	_, err := Eval("1 / 0", env(nil), 0)
	require.Error(t, err)
	require.Equal(t, werr.CodeExpressionError, werr.CodeOf(err))
}

func TestEval_ParseErrors(t *testing.T) {
	for _, src := range []string{"1 +", "(1", "'unterminated", "a..b", "1 2"} {
		_, err := Eval(src, env(map[string]any{"a": float64(1)}), 0)
		require.Error(t, err, src)
	}
}

func TestEvalBool_Coercion(t *testing.T) {
	cases := map[string]bool{
		"1":        true,
		"0":        false,
		"''":       false,
		"'x'":      true,
		"null":     false,
		"array()":  false,
		"array(1)": true,
	}
	for src, want := range cases {
		got, err := EvalBool(src, env(nil), 0)
		require.NoError(t, err)
		require.Equal(t, want, got, src)
	}
}

func TestRender_Template(t *testing.T) {
	e := env(map[string]any{
		"params": map[string]any{"requirement": "add combos"},
		"nodes": map[string]any{
			"plan": map[string]any{"version": float64(2)},
		},
	})

	out, err := Render("Plan v{{ nodes.plan.version }}: {{ params.requirement }}", e, 0)
	require.NoError(t, err)
	require.Equal(t, "Plan v2: add combos", out)

	out, err = Render("no spans here", e, 0)
	require.NoError(t, err)
	require.Equal(t, "no spans here", out)

	_, err = Render("broken {{ span", e, 0)
	require.Error(t, err)

	_, err = Render("{{ nope }}", e, 0)
	require.Error(t, err, "unknown identifiers fail rather than rendering empty")
}

func TestRender_ChainEnv(t *testing.T) {
	first := env(map[string]any{"x": "from-first"})
	second := env(map[string]any{"x": "from-second", "y": "only-second"})

	e := ChainEnv(first, second)
	out, err := Render("{{ x }}/{{ y }}", e, 0)
	require.NoError(t, err)
	require.Equal(t, "from-first/only-second", out)
}

func TestEval_TimeBudget(t *testing.T) {
	_, err := Eval("len(join(range(100000), ','))", env(nil), time.Nanosecond)
	require.Error(t, err)
}

// Evaluation must never panic, whatever the input.
func TestEval_NeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		src := rapid.StringN(0, 64, 256).Draw(t, "src")
		_, _ = Eval(src, env(map[string]any{"v": float64(1)}), 10*time.Millisecond)
	})
}

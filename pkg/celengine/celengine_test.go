package celengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	attrs := map[string]interface{}{"gross": int64(10000), "role": "driver"}
	env, err := GetOrBuildEnv(attrs)
	require.NoError(t, err)

	ok, err := Evaluate(env, `gross > 5000 && role == "driver"`, attrs)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = Evaluate(env, `gross * 2`, attrs)
	require.Error(t, err)

	require.Error(t, ValidateExpression(env, `unknown_var > 1`))
}

func TestEvaluateInt(t *testing.T) {
	attrs := map[string]interface{}{"gross": int64(10000), "depth": int64(0)}
	env, err := GetOrBuildEnv(attrs)
	require.NoError(t, err)

	prg, err := Compile(env, `depth == 0 ? gross / 10 : gross / 20`)
	require.NoError(t, err)

	fee, err := EvaluateInt(prg, attrs)
	require.NoError(t, err)
	require.Equal(t, int64(1000), fee)

	fee, err = EvaluateInt(prg, map[string]interface{}{"gross": int64(10000), "depth": int64(1)})
	require.NoError(t, err)
	require.Equal(t, int64(500), fee)
}

func TestEnvCacheKeyedByShape(t *testing.T) {
	a, err := GetOrBuildEnv(map[string]interface{}{"x": int64(1)})
	require.NoError(t, err)
	b, err := GetOrBuildEnv(map[string]interface{}{"y": "s"})
	require.NoError(t, err)
	require.NotSame(t, a, b)

	c, err := GetOrBuildEnv(map[string]interface{}{"x": int64(7)})
	require.NoError(t, err)
	require.Same(t, a, c)
}

package celengine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

var envCache = sync.Map{}

// envKey identifies an environment by its variable names and declared types.
func envKey(attrs map[string]interface{}) string {
	keys := make([]string, 0, len(attrs))
	for k, v := range attrs {
		keys = append(keys, k+":"+celTypeOf(v).String())
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func GetOrBuildEnv(attrs map[string]interface{}) (*cel.Env, error) {
	key := envKey(attrs)
	if v, ok := envCache.Load(key); ok {
		return v.(*cel.Env), nil
	}

	env, err := BuildCelEnvFromAttributes(attrs)
	if err == nil {
		envCache.Store(key, env)
	}

	return env, err
}

func celTypeOf(val interface{}) *cel.Type {
	switch v := val.(type) {
	case string:
		return cel.StringType
	case int, int32, int64:
		return cel.IntType
	case float32, float64:
		return cel.DoubleType
	case bool:
		return cel.BoolType
	case []interface{}:
		if len(v) > 0 {
			if _, ok := v[0].(map[string]interface{}); ok {
				return cel.ListType(cel.MapType(cel.StringType, cel.DynType))
			}
		}
		return cel.ListType(cel.DynType)
	case []map[string]interface{}:
		return cel.ListType(cel.MapType(cel.StringType, cel.DynType))
	case map[string]interface{}:
		return cel.MapType(cel.StringType, cel.DynType)
	default:
		return cel.DynType
	}
}

func BuildCelEnvFromAttributes(attrs map[string]interface{}) (*cel.Env, error) {
	variables := make([]cel.EnvOption, 0, len(attrs))
	for key, val := range attrs {
		variables = append(variables, cel.Variable(key, celTypeOf(val)))
	}

	return cel.NewEnv(variables...)
}

func ValidateExpression(env *cel.Env, expr string) error {
	_, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return issues.Err()
	}
	return nil
}

// Compile type-checks expr once so callers can evaluate it repeatedly.
func Compile(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	return env.Program(ast)
}

func Evaluate(env *cel.Env, expr string, attrs map[string]interface{}) (bool, error) {
	val, err := EvaluateDynamic(env, expr, attrs)
	if err != nil {
		return false, err
	}

	b, ok := val.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", val, val)
	}

	return b, nil
}

func EvaluateDynamic(env *cel.Env, expr string, attrs map[string]interface{}) (interface{}, error) {
	prg, err := Compile(env, expr)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(attrs)
	if err != nil {
		return nil, err
	}

	return out.Value(), nil
}

// EvaluateInt runs a compiled program that must yield an int.
func EvaluateInt(prg cel.Program, attrs map[string]interface{}) (int64, error) {
	out, _, err := prg.Eval(attrs)
	if err != nil {
		return 0, err
	}

	switch v := out.Value().(type) {
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected int from expression, got %T (%v)", v, v)
	}
}

package config

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/botgate/botgate/pkg/target"
	"github.com/botgate/botgate/pkg/telemetry"
)

// DefaultTransformTimeout bounds a payload transform.
const DefaultTransformTimeout = 5 * time.Second

// StarlarkTransform rewrites configure payloads with a Starlark script.
// The script reads the global `payload` and must assign `result`.
type StarlarkTransform struct {
	name    string
	program string
	timeout time.Duration
}

var _ target.PayloadTransform = (*StarlarkTransform)(nil)

// NewStarlarkTransform compiles-checks script and returns a transform.
// name labels the script in error positions.
func NewStarlarkTransform(name, script string, timeout time.Duration) (*StarlarkTransform, error) {
	if timeout == 0 {
		timeout = DefaultTransformTimeout
	}
	// parse once up front so syntax errors surface at load time
	if _, _, err := starlark.SourceProgram(name, script, predeclared().Has); err != nil {
		return nil, invalid("invalid transform script", err).WithResource(name)
	}
	return &StarlarkTransform{name: name, program: script, timeout: timeout}, nil
}

// TransformFor returns the transform configured on p, or nil.
func TransformFor(p *Profile) (target.PayloadTransform, error) {
	if p.Transform == "" {
		return nil, nil
	}
	tr, err := NewStarlarkTransform(p.Name+".star", p.Transform, 0)
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// Transform implements target.PayloadTransform.
func (st *StarlarkTransform) Transform(ctx context.Context, payload target.Payload) (target.Payload, error) {
	startTime := time.Now()
	logger := telemetry.FromContext(ctx).NewComponentLogger("config")

	evalCtx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: st.name,
		Print: func(_ *starlark.Thread, msg string) {
			logger.WithField("script", st.name).Debug(msg)
		},
	}

	type outcome struct {
		payload target.Payload
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := st.evaluate(thread, payload)
		done <- outcome{out, err}
	}()

	select {
	case <-evalCtx.Done():
		// stops the interpreter at its next step
		thread.Cancel("timeout")
		return nil, fmt.Errorf("starlark execution timeout after %v", st.timeout)
	case o := <-done:
		logger.WithFields(map[string]interface{}{
			"script":   st.name,
			"duration": time.Since(startTime).String(),
		}).Debug("payload transform finished")
		return o.payload, o.err
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   json.Module,
	}
}

func (st *StarlarkTransform) evaluate(thread *starlark.Thread, payload target.Payload) (target.Payload, error) {
	env := predeclared()
	in, err := toStarlarkValue(map[string]interface{}(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to convert payload: %w", err)
	}
	in.Freeze()
	env["payload"] = in

	globals, err := starlark.ExecFile(thread, st.name, st.program, env)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	result, ok := globals["result"]
	if !ok {
		return nil, fmt.Errorf("transform %s did not assign result", st.name)
	}
	out, err := fromStarlarkValue(result)
	if err != nil {
		return nil, fmt.Errorf("failed to convert result: %w", err)
	}
	m, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("transform %s must assign a dict to result, got %s", st.name, result.Type())
	}
	return target.Payload(m), nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

package exprlang

import (
	"fmt"

	"github.com/cryguy/runspace/internal/core"
)

// stateFuncs returns the shared-state helpers bound for one request.
//
//	state_get("hits")          value or nil
//	state_has("hits")          bool
//	state_set("hits", 1)       returns the value
//	state_incr("hits"[, 2])    returns the new total
func stateFuncs(reqID uint64) map[string]func(args ...any) (any, error) {
	lookup := func(fn string) (*core.RequestState, error) {
		rs := core.GetRequestState(reqID)
		if rs == nil {
			return nil, fmt.Errorf("%s: no active request", fn)
		}
		return rs, nil
	}
	return map[string]func(args ...any) (any, error){
		"state_get": func(args ...any) (any, error) {
			name, err := nameArg("state_get", args, 1, 1)
			if err != nil {
				return nil, err
			}
			rs, err := lookup("state_get")
			if err != nil {
				return nil, err
			}
			v, _ := rs.State.Get(name)
			return v, nil
		},
		"state_has": func(args ...any) (any, error) {
			name, err := nameArg("state_has", args, 1, 1)
			if err != nil {
				return nil, err
			}
			rs, err := lookup("state_has")
			if err != nil {
				return nil, err
			}
			return rs.State.Has(name), nil
		},
		"state_set": func(args ...any) (any, error) {
			name, err := nameArg("state_set", args, 2, 2)
			if err != nil {
				return nil, err
			}
			rs, err := lookup("state_set")
			if err != nil {
				return nil, err
			}
			rs.State.Set(name, args[1])
			return args[1], nil
		},
		"state_incr": func(args ...any) (any, error) {
			name, err := nameArg("state_incr", args, 1, 2)
			if err != nil {
				return nil, err
			}
			delta := 1.0
			if len(args) == 2 {
				d, ok := toFloat(args[1])
				if !ok {
					return nil, fmt.Errorf("state_incr: delta must be a number, got %T", args[1])
				}
				delta = d
			}
			rs, err := lookup("state_incr")
			if err != nil {
				return nil, err
			}
			return rs.State.Increment(name, delta)
		},
	}
}

func nameArg(fn string, args []any, lo, hi int) (string, error) {
	if len(args) < lo || len(args) > hi {
		return "", fmt.Errorf("%s: wrong number of arguments (%d)", fn, len(args))
	}
	name, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("%s: name must be a string, got %T", fn, args[0])
	}
	return name, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

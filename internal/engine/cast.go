package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/reflectdb/reflectdb/internal/model"
)

// castValue coerces an input value to the prop's declared type. Casts run
// before validation; arrays cast element-wise. Returns an error message when
// the value cannot represent the type.
func castValue(p *model.PropDef, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if p.IsArray {
		seq, ok := v.([]any)
		if !ok {
			// Scalars coerce to a single-element sequence, mirroring the
			// scalar object_class_id form of prop definitions.
			cast, err := castScalar(p.DataType, v)
			if err != nil {
				return nil, err
			}
			return []any{cast}, nil
		}
		out := make([]any, len(seq))
		for i, e := range seq {
			cast, err := castScalar(p.DataType, e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %v", i, err)
			}
			out[i] = cast
		}
		return out, nil
	}
	return castScalar(p.DataType, v)
}

func castScalar(t model.DataType, v any) (any, error) {
	switch t {
	case model.TypeString, model.TypeFunction, model.TypeUnique:
		return castString(v)
	case model.TypeBoolean:
		return castBool(v)
	case model.TypeInteger:
		return castInt(v)
	case model.TypeFloat:
		return castFloat(v)
	case model.TypeObject:
		switch v.(type) {
		case map[string]any, model.Record:
			return v, nil
		case string:
			// Validator lists mix shorthand names with configuration maps.
			return v, nil
		}
		return nil, fmt.Errorf("expected an object, got %T", v)
	case model.TypeRelation:
		// Relations hold target ids; scalars pass through as id strings.
		switch v.(type) {
		case string, int, int64, float64:
			return model.IDString(v), nil
		}
		return nil, fmt.Errorf("expected a record id, got %T", v)
	default:
		return v, nil
	}
}

func castString(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10), nil
		}
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	default:
		return nil, fmt.Errorf("expected a string, got %T", v)
	}
}

func castBool(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off", "":
			return false, nil
		}
		return nil, fmt.Errorf("cannot parse %q as boolean", t)
	case float64:
		return t != 0, nil
	case int:
		return t != 0, nil
	default:
		return nil, fmt.Errorf("expected a boolean, got %T", v)
	}
}

func castInt(v any) (any, error) {
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float64:
		if t != math.Trunc(t) {
			return nil, fmt.Errorf("expected an integer, got %v", t)
		}
		return t, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as integer", t)
		}
		return float64(n), nil
	case bool:
		if t {
			return float64(1), nil
		}
		return float64(0), nil
	default:
		return nil, fmt.Errorf("expected an integer, got %T", v)
	}
}

func castFloat(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as number", t)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("expected a number, got %T", v)
	}
}

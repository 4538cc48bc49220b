package engine

import (
	"context"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"

	"github.com/reflectdb/reflectdb/internal/model"
	"github.com/reflectdb/reflectdb/internal/storage"
)

// FunctionRunner executes `@function`-typed validators. The engine forwards
// the call opaquely; it never interprets the stored code itself.
type FunctionRunner interface {
	Run(ctx context.Context, object model.Record, prop *model.PropDef, value any, params map[string]any) error
}

var phoneRE = regexp.MustCompile(`^\+?[0-9][0-9 ()\-\.]{5,}$`)

// runValidators applies each configured validator of a prop to an
// already-cast value, appending field errors to errs.
func (e *Engine) runValidators(ctx context.Context, classID string, object model.Record, p *model.PropDef, value any, errs *[]FieldError) error {
	for _, raw := range p.Validators {
		switch v := raw.(type) {
		case string:
			if err := e.runNamedValidator(ctx, classID, object, p, v, nil, value, errs); err != nil {
				return err
			}
		case map[string]any:
			if fid, ok := v["function_id"].(string); ok && fid != "" {
				if err := e.runFunctionValidator(ctx, object, p, fid, v, value, errs); err != nil {
					return err
				}
				continue
			}
			name, _ := v["type"].(string)
			if name == "" {
				*errs = append(*errs, FieldError{
					Path: p.Key, Code: "validator",
					Message: "validator entry missing type",
				})
				continue
			}
			if err := e.runNamedValidator(ctx, classID, object, p, name, v, value, errs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) runNamedValidator(ctx context.Context, classID string, object model.Record, p *model.PropDef, name string, params map[string]any, value any, errs *[]FieldError) error {
	fail := func(code, format string, args ...any) {
		*errs = append(*errs, FieldError{
			Path: p.Key, Code: code, Message: fmt.Sprintf(format, args...),
		})
	}
	if value == nil {
		return nil
	}
	switch name {
	case "email":
		s, _ := value.(string)
		if _, err := mail.ParseAddress(s); err != nil {
			fail("email", "not a valid email address")
		}
	case "url":
		s, _ := value.(string)
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			fail("url", "not a valid URL")
		}
	case "phone":
		s, _ := value.(string)
		if !phoneRE.MatchString(strings.TrimSpace(s)) {
			fail("phone", "not a valid phone number")
		}
	case "length":
		s, _ := value.(string)
		if min, ok := numParam(params, "min"); ok && len(s) < int(min) {
			fail("length", "must be at least %d characters", int(min))
		}
		if max, ok := numParam(params, "max"); ok && len(s) > int(max) {
			fail("length", "must be at most %d characters", int(max))
		}
	case "range":
		f, ok := asNumber(value)
		if !ok {
			fail("range", "not a number")
			return nil
		}
		if min, has := numParam(params, "min"); has && f < min {
			fail("range", "must be >= %v", min)
		}
		if max, has := numParam(params, "max"); has && f > max {
			fail("range", "must be <= %v", max)
		}
	case "pattern":
		pat, _ := params["pattern"].(string)
		re, err := regexp.Compile(pat)
		if err != nil {
			fail("pattern", "invalid pattern %q", pat)
			return nil
		}
		s, _ := value.(string)
		if !re.MatchString(s) {
			fail("pattern", "does not match %q", pat)
		}
	case "enum":
		values, _ := params["values"].([]any)
		for _, allowed := range values {
			if model.ValueEqual(value, allowed) {
				return nil
			}
		}
		fail("enum", "value %v is not one of the allowed values", value)
	case "integer":
		f, ok := asNumber(value)
		if !ok || f != float64(int64(f)) {
			fail("integer", "must be an integer")
		}
	case "positive":
		f, ok := asNumber(value)
		if !ok || f <= 0 {
			fail("positive", "must be positive")
		}
	case "unique":
		return e.checkUniqueValue(ctx, classID, object, p.Key, value, errs)
	default:
		fail("validator", "unknown validator %q", name)
	}
	return nil
}

// checkUniqueValue verifies no other record of the class holds the value.
func (e *Engine) checkUniqueValue(ctx context.Context, classID string, object model.Record, key string, value any, errs *[]FieldError) error {
	matches, err := e.backend.QueryRecords(ctx, classID, storage.Query{
		Filters: map[string]any{key: value},
	})
	if err != nil {
		return WrapStorage(err, "unique check on %s.%s", classID, key)
	}
	selfID := object.ID()
	for _, rec := range matches {
		if rec.ID() != selfID {
			*errs = append(*errs, FieldError{
				Path: key, Code: "unique",
				Message: fmt.Sprintf("value %v is already in use", value),
			})
			return nil
		}
	}
	return nil
}

func (e *Engine) runFunctionValidator(ctx context.Context, object model.Record, p *model.PropDef, functionID string, params map[string]any, value any, errs *[]FieldError) error {
	if e.functions == nil {
		// No execution collaborator configured; function validators are
		// storage-only.
		return nil
	}
	if err := e.functions.Run(ctx, object, p, value, params); err != nil {
		*errs = append(*errs, FieldError{
			Path: p.Key, Code: "function",
			Message: err.Error(),
		})
	}
	return nil
}

func numParam(params map[string]any, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	return asNumber(params[key])
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

package jsonrpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")

	ErrTooManyArguments = errors.New("too many arguments")
	ErrInvalidParams    = errors.New("params must be an array or, for single-argument methods, an object")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type methodHandler struct {
	args      []reflect.Type
	hasResult bool
	fn        reflect.Value
}

func getMethodTypes(fn interface{}) (methodHandler, error) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return methodHandler{}, ErrNotFunction
	}
	if t.NumIn() == 0 || t.In(0) != contextType {
		return methodHandler{}, ErrMustHaveContext
	}
	if t.NumOut() == 0 || !t.Out(t.NumOut()-1).Implements(errorType) {
		return methodHandler{}, ErrMustReturnError
	}
	if t.NumOut() > 2 {
		return methodHandler{}, ErrTooManyReturnValues
	}

	args := make([]reflect.Type, 0, t.NumIn()-1)
	for i := 1; i < t.NumIn(); i++ {
		args = append(args, t.In(i))
	}
	return methodHandler{args: args, hasResult: t.NumOut() == 2, fn: v}, nil
}

func (h methodHandler) call(ctx context.Context, params json.RawMessage) (any, error) {
	args, err := h.decodeParams(params)
	if err != nil {
		return nil, &JSONRPCError{Code: CodeInvalidParams, Message: err.Error()}
	}

	results := h.fn.Call(append([]reflect.Value{reflect.ValueOf(ctx)}, args...))

	var outErr error
	if last := results[len(results)-1]; !last.IsNil() {
		e, ok := last.Interface().(error)
		if !ok {
			return nil, ErrMustReturnError
		}
		outErr = e
	}
	if !h.hasResult {
		return nil, outErr
	}
	return results[0].Interface(), outErr
}

// decodeParams accepts positional params, a bare object for methods with one argument,
// or nothing. Missing trailing arguments get their zero value.
func (h methodHandler) decodeParams(params json.RawMessage) ([]reflect.Value, error) {
	params = bytes.TrimSpace(params)
	var positional []json.RawMessage
	switch {
	case len(params) == 0 || bytes.Equal(params, []byte("null")):
	case params[0] == '[':
		if err := json.Unmarshal(params, &positional); err != nil {
			return nil, err
		}
	case params[0] == '{' && len(h.args) == 1:
		positional = []json.RawMessage{params}
	default:
		return nil, ErrInvalidParams
	}
	return decodePositional(h.args, positional)
}

func decodePositional(types []reflect.Type, params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(types) {
		return nil, ErrTooManyArguments
	}
	out := make([]reflect.Value, len(types))
	for i, argType := range types {
		arg := reflect.New(argType)
		if i < len(params) {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
		}
		out[i] = arg.Elem()
	}
	return out, nil
}

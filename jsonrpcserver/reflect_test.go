package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type dummyStruct struct {
	Field int `json:"field"`
}

func TestGetMethodTypes(t *testing.T) {
	testCases := map[string]struct {
		fn   interface{}
		err  error
		args int
	}{
		"args and error": {
			fn:   func(context.Context, int, float32) error { return nil },
			args: 2,
		},
		"no args": {
			fn: func(context.Context) (int, error) { return 0, nil },
		},
		"not a function": {
			fn:  42,
			err: ErrNotFunction,
		},
		"no context": {
			fn:  func(int) error { return nil },
			err: ErrMustHaveContext,
		},
		"no error": {
			fn:  func(context.Context, int) (int, float32) { return 0, 0 },
			err: ErrMustReturnError,
		},
		"too many results": {
			fn:  func(context.Context) (int, float32, error) { return 0, 0, nil },
			err: ErrTooManyReturnValues,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			m, err := getMethodTypes(tc.fn)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Len(t, m.args, tc.args)
		})
	}
}

func TestDecodeParams(t *testing.T) {
	multi, err := getMethodTypes(func(context.Context, int, []int, dummyStruct) error { return nil })
	require.NoError(t, err)

	args, err := multi.decodeParams(json.RawMessage(`[1, [2, 3, 5], {"field": 11}]`))
	require.NoError(t, err)
	require.Len(t, args, 3)
	require.Equal(t, 1, args[0].Interface())
	require.Equal(t, []int{2, 3, 5}, args[1].Interface())
	require.Equal(t, dummyStruct{Field: 11}, args[2].Interface())

	args, err = multi.decodeParams(json.RawMessage(`[7]`))
	require.NoError(t, err)
	require.Equal(t, 7, args[0].Interface())
	require.Nil(t, args[1].Interface())
	require.Equal(t, dummyStruct{}, args[2].Interface())

	_, err = multi.decodeParams(json.RawMessage(`[1, [], {}, 4]`))
	require.ErrorIs(t, err, ErrTooManyArguments)

	_, err = multi.decodeParams(json.RawMessage(`{"field": 1}`))
	require.ErrorIs(t, err, ErrInvalidParams)

	single, err := getMethodTypes(func(context.Context, dummyStruct) error { return nil })
	require.NoError(t, err)
	args, err = single.decodeParams(json.RawMessage(`{"field": 3}`))
	require.NoError(t, err)
	require.Equal(t, dummyStruct{Field: 3}, args[0].Interface())

	args, err = single.decodeParams(nil)
	require.NoError(t, err)
	require.Equal(t, dummyStruct{}, args[0].Interface())
}

func TestMethodCall(t *testing.T) {
	errBoom := errors.New("boom")
	type ctxKey struct{}

	withResult, err := getMethodTypes(func(ctx context.Context, n int) (int, error) {
		if n < 0 {
			return 0, errBoom
		}
		return n + ctx.Value(ctxKey{}).(int), nil
	})
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), ctxKey{}, 10)
	res, err := withResult.call(ctx, json.RawMessage(`[5]`))
	require.NoError(t, err)
	require.Equal(t, 15, res)

	_, err = withResult.call(ctx, json.RawMessage(`[-1]`))
	require.ErrorIs(t, err, errBoom)

	_, err = withResult.call(ctx, json.RawMessage(`["x"]`))
	var rpcErr *JSONRPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, CodeInvalidParams, rpcErr.Code)

	errOnly, err := getMethodTypes(func(context.Context) error { return nil })
	require.NoError(t, err)
	res, err = errOnly.call(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, res)
}

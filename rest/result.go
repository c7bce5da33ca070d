package rest

import (
	"context"
	"fmt"
	"net/http"
)

// Result holds either the success model or the decoded error body of a call.
type Result[T, E any] struct {
	Value  T
	Error  E
	Status int
	ok     bool
}

func (r Result[T, E]) IsOK() bool { return r.ok }

// GetJSON decodes a successful GET into a new T.
func GetJSON[T any](ctx context.Context, c Caller, path string, params ...Param) (T, error) {
	var out T
	err := c.Get(ctx, path, &out, params...)

	return out, err
}

// PostJSON posts in and decodes a successful response into a new T.
func PostJSON[T any](ctx context.Context, c Caller, path string, in any, params ...Param) (T, error) {
	var out T
	err := c.Post(ctx, path, in, &out, params...)

	return out, err
}

// GetResult decodes 2xx bodies into T and any other status into E.
// Only transport and decoding failures are returned as errors.
func GetResult[T, E any](ctx context.Context, c Caller, path string, params ...Param) (Result[T, E], error) {
	body, status, err := c.GetRaw(ctx, path, params...)
	if err != nil {
		return Result[T, E]{}, err
	}

	return toResult[T, E](http.MethodGet, path, body, status)
}

// PostResult is GetResult for POST.
func PostResult[T, E any](ctx context.Context, c Caller, path string, in any, params ...Param) (Result[T, E], error) {
	body, status, err := c.PostRaw(ctx, path, in, params...)
	if err != nil {
		return Result[T, E]{}, err
	}

	return toResult[T, E](http.MethodPost, path, body, status)
}

func toResult[T, E any](method, path string, body []byte, status int) (Result[T, E], error) {
	r := Result[T, E]{Status: status, ok: success(status)}

	var err error
	if r.ok {
		err = decode(method, path, body, &r.Value)
	} else {
		err = decode(method, path, body, &r.Error)
	}

	if err != nil {
		return Result[T, E]{}, fmt.Errorf("rest result: %w", err)
	}

	return r, nil
}

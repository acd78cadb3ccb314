package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, Classify(ctx, nil, 0))

	err := Classify(ctx, fmt.Errorf("post: %w", context.DeadlineExceeded), 0)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, "upstream_timeout", ErrorClass(err))

	err = Classify(ctx, timeoutErr{}, 0)
	assert.True(t, errors.Is(err, ErrTimeout))

	err = Classify(ctx, errors.New("boom"), 502)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 502, te.StatusCode)
	assert.Contains(t, err.Error(), "status=502")
	assert.Equal(t, "upstream_error", ErrorClass(err))
}

func TestClassify_ExpiredContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	err := Classify(ctx, errors.New("stream closed"), 0)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestClassify_KeepsClassifiedErrors(t *testing.T) {
	ctx := context.Background()
	orig := &TransportError{StatusCode: 500, Err: errors.New("x")}
	assert.Same(t, orig, Classify(ctx, orig, 0))
	assert.Equal(t, ErrTimeout, Classify(ctx, ErrTimeout, 0))
}

package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.class.String())
	}
}

func TestWrapPreservesSentinel(t *testing.T) {
	err := WrapInvalid(ErrMissingField, "parser", "Parse", "validate required fields")
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrMissingField))
	assert.Contains(t, err.Error(), "parser.Parse")
	assert.Contains(t, err.Error(), "validate required fields")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "c", "m", "a"))
	assert.Nil(t, WrapTransient(nil, "c", "m", "a"))
	assert.Nil(t, WrapInvalid(nil, "c", "m", "a"))
	assert.Nil(t, WrapFatal(nil, "c", "m", "a"))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"classified transient", WrapTransient(errors.New("boom"), "store", "SaveReading", "insert"), true},
		{"connection lost sentinel", ErrConnectionLost, true},
		{"storage unavailable sentinel", ErrStorageUnavailable, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"timeout pattern", errors.New("i/o timeout"), true},
		{"classified invalid", WrapInvalid(errors.New("boom"), "parser", "Parse", "decode"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrMalformedPayload))
	assert.True(t, IsInvalid(ErrMalformedTopic))
	assert.True(t, IsInvalid(ErrMissingField))
	assert.True(t, IsInvalid(WrapInvalid(errors.New("bad json"), "parser", "Parse", "decode")))
	assert.False(t, IsInvalid(nil))
	assert.False(t, IsInvalid(ErrConnectionLost))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(WrapFatal(errors.New("schema init"), "store", "Open", "migrate")))
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(ErrMalformedPayload))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(ErrNotFound))
	assert.True(t, IsNotFound(fmt.Errorf("latest reading: %w", ErrNotFound)))
	assert.False(t, IsNotFound(ErrStorageUnavailable))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(ErrMissingConfig))
	assert.Equal(t, ErrorInvalid, Classify(ErrMissingField))
	assert.Equal(t, ErrorTransient, Classify(errors.New("something else")))
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	base := errors.New("underlying")
	err := WrapTransient(base, "hub", "Broadcast", "send")

	var ce *ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "hub", ce.Component)
	assert.Equal(t, "Broadcast", ce.Operation)
	assert.True(t, errors.Is(err, base))
}

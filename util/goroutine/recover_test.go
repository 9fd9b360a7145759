package goroutine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecover_NoPanic(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	assert.NotPanics(t, func() {
		defer Recover("quiet", logger)
	})
}

func TestRecover_LogsPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	func() {
		defer Recover("partition-3", logger)
		panic("boom")
	}()

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Goroutine panic recovered", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "partition-3", fields["goroutine"])
	assert.Equal(t, "boom", fields["panic"])
	assert.Contains(t, fields["stack"], "goroutine")
}

func TestRecover_NilLoggerDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		func() {
			defer Recover("no-logger", nil)
			panic(errors.New("still recovered"))
		}()
	})
}

func TestRecoverWith_InvokesCallback(t *testing.T) {
	logger := zap.NewNop().Sugar()
	var got any

	func() {
		defer RecoverWith("task", logger, func(v any) { got = v })
		panic(42)
	}()

	assert.Equal(t, 42, got)
}

func TestRecoverWith_NoPanicSkipsCallback(t *testing.T) {
	called := false

	func() {
		defer RecoverWith("task", zap.NewNop().Sugar(), func(any) { called = true })
	}()

	assert.False(t, called)
}

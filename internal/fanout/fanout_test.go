package fanout_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaoguangleo/corr2/internal/fanout"
)

func TestRunAllSucceed(t *testing.T) {
	var targets = []string{"host0", "host1", "host2"}

	var results = fanout.Run(context.Background(), targets, time.Second, func(ctx context.Context, target string) (any, error) {
		return target + "-ok", nil
	})

	require.Len(t, results, len(targets))
	for _, target := range targets {
		require.NoError(t, results[target].Err)
		assert.Equal(t, target+"-ok", results[target].Value)
	}
}

func TestRunTimeoutIsDistinguishableFromOpError(t *testing.T) {
	var targets = []string{"slow", "fast", "erroring"}

	var results = fanout.Run(context.Background(), targets, 30*time.Millisecond, func(ctx context.Context, target string) (any, error) {
		switch target {
		case "slow":
			<-ctx.Done()
			<-time.After(time.Second) // Runs to completion even past the deadline; result discarded.
			return nil, nil
		case "erroring":
			return nil, assertErr
		default:
			return "done", nil
		}
	})

	require.Len(t, results, 3)
	assert.True(t, results["slow"].TimedOut())
	assert.False(t, results["erroring"].TimedOut())
	assert.Equal(t, assertErr, results["erroring"].Err)
	assert.NoError(t, results["fast"].Err)
}

func TestRunNoTargetFailureCancelsAnother(t *testing.T) {
	var targets = []string{"a", "b"}

	var results = fanout.Run(context.Background(), targets, time.Second, func(ctx context.Context, target string) (any, error) {
		if target == "a" {
			return nil, assertErr
		}
		return "fine", nil
	})

	assert.Error(t, results["a"].Err)
	assert.NoError(t, results["b"].Err)
	assert.Equal(t, "fine", results["b"].Value)
}

func TestErrorsFiltersSuccesses(t *testing.T) {
	var results = map[string]fanout.Result{
		"a": {Value: 1},
		"b": {Err: assertErr},
	}

	var errs = fanout.Errors(results)
	assert.Len(t, errs, 1)
	assert.Contains(t, errs, "b")
}

func TestWaitGroupRunTimeout(t *testing.T) {
	var fns = map[string]func(ctx context.Context) error{
		"stuck": func(ctx context.Context) error {
			<-ctx.Done()
			<-time.After(time.Second)
			return nil
		},
		"quick": func(ctx context.Context) error {
			return nil
		},
	}

	var results = fanout.WaitGroupRun(context.Background(), 20*time.Millisecond, fns)
	require.Len(t, results, 2)
	assert.Error(t, results["stuck"])
	assert.NoError(t, results["quick"])
}

var assertErr = assertError("boom")

type assertError string

func (e assertError) Error() string { return string(e) }

package scrape

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExhaustedErrorMessage(t *testing.T) {
	t.Parallel()

	err := &ExhaustedError{Attempts: 3, LastError: "vision: model found no readable offers"}
	require.Equal(t, "all 3 strategies failed; last: vision: model found no readable offers", err.Error())
}

func TestPersistenceErrorUnwraps(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := &PersistenceError{Op: "replace offers", Err: cause}
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "replace offers")
}

func TestCaptureConvertsPanicToFailure(t *testing.T) {
	t.Parallel()

	run := func() (res Result) {
		defer Capture(KindBrowser, &res)
		panic("selector blew up")
	}
	res := run()
	require.False(t, res.Success)
	require.Equal(t, KindBrowser, res.Method)
	require.Contains(t, res.Error, "selector blew up")
}

func TestCaptureLeavesCleanResultAlone(t *testing.T) {
	t.Parallel()

	run := func() (res Result) {
		defer Capture(KindBrowser, &res)
		res = Result{Success: true, Method: KindBrowser}
		return res
	}
	require.True(t, run().Success)
}

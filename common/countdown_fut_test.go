package common

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davewhat/tchannel/errors"
)

func TestCountDownFuture(t *testing.T) {
	fired := 0
	fut := NewCountDownFuture(3, func(err error) {
		require.NoError(t, err)
		fired++
	})
	fut.CountDown(nil)
	fut.CountDown(nil)
	require.Equal(t, 0, fired)
	fut.CountDown(nil)
	require.Equal(t, 1, fired)
	// Overshoot must not fire again
	fut.CountDown(nil)
	require.Equal(t, 1, fired)
}

func TestCountDownFutureError(t *testing.T) {
	var got error
	fut := NewCountDownFuture(2, func(err error) {
		got = err
	})
	fut.CountDown(errors.New("boom"))
	require.EqualError(t, got, "boom")
}

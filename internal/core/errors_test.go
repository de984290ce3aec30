package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapAndCodeOf(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("describe Account: %w", Wrap(CodeDescribeFailed, true, base))

	require.Equal(t, CodeDescribeFailed, CodeOf(err))
	require.ErrorIs(t, err, base)

	var ce *Error
	require.True(t, errors.As(err, &ce))
	require.True(t, ce.RetryableStatus())
	require.Equal(t, "E_DESCRIBE_FAILED: boom", ce.Error())
}

func TestIsCodeWalksNestedCodes(t *testing.T) {
	inner := Wrap(CodeUnsupportedFieldType, false, errors.New("type blob"))
	outer := Wrap(CodeDescribeFailed, false, inner)

	require.True(t, IsCode(outer, CodeDescribeFailed))
	require.True(t, IsCode(outer, CodeUnsupportedFieldType))
	require.False(t, IsCode(outer, CodeLoadFailed))
	require.Equal(t, "", CodeOf(errors.New("plain")))
}

func TestJobFailedCarriesState(t *testing.T) {
	err := fmt.Errorf("poll: %w", JobFailed("750x", "Aborted", ""))

	state, ok := FailedJobState(err)
	require.True(t, ok)
	require.Equal(t, "Aborted", state)
	require.Equal(t, CodeJobFailed, CodeOf(err))
	require.Contains(t, err.Error(), "job 750x ended in state Aborted")
}

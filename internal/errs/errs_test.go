package errs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/tsbx/internal/errs"
)

func TestNew_MatchesSentinelViaErrorsIs(t *testing.T) {
	err := errs.New(errs.KindInvalidPath, "bad path")
	assert.ErrorIs(t, err, errs.ErrInvalidPath)
	assert.Equal(t, "bad path", err.Error())
}

func TestWrap_PreservesUnderlyingError(t *testing.T) {
	underlying := errors.New("daemon unreachable")
	wrapped := errs.Wrap(errs.KindRuntime, underlying)
	assert.ErrorIs(t, wrapped, underlying)
	assert.ErrorIs(t, wrapped, errs.ErrRuntime)
}

func TestIs_ChecksKindAcrossTypedAndSentinelErrors(t *testing.T) {
	assert.True(t, errs.Is(errs.New(errs.KindTooLarge, "too big"), errs.KindTooLarge))
	assert.False(t, errs.Is(errs.New(errs.KindTooLarge, "too big"), errs.KindTimeout))
	assert.True(t, errs.Is(errs.ErrNotFound, errs.KindNotFound))
}

func TestNewf_FormatsReason(t *testing.T) {
	err := errs.Newf(errs.KindModelParse, "could not parse %q", "garbage")
	assert.Equal(t, `could not parse "garbage"`, err.Error())
}

package cmd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
)

func TestExitCodeForSourceOpenError(t *testing.T) {
	err := &sourceOpenError{cause: errorkind.New(errorkind.ConfigInvalid, "bad source")}
	assert.Equal(t, ExitSourceOpenError, exitCodeFor(err))
}

func TestExitCodeForConfigInvalid(t *testing.T) {
	err := errorkind.New(errorkind.ConfigInvalid, "bad config")
	assert.Equal(t, ExitConfigError, exitCodeFor(err))
}

func TestExitCodeForUserInput(t *testing.T) {
	err := errorkind.New(errorkind.UserInput, "bad flag")
	assert.Equal(t, ExitUsageError, exitCodeFor(err))
}

func TestExitCodeForUntaggedDefaultsToFatal(t *testing.T) {
	assert.Equal(t, ExitFatal, exitCodeFor(errors.New("boom")))
}

func TestSourceOpenErrorUnwraps(t *testing.T) {
	cause := errorkind.New(errorkind.ConfigInvalid, "bad source")
	err := &sourceOpenError{cause: cause}
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Equal(t, cause.Error(), err.Error())
}

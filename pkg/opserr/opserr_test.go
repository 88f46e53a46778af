package opserr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNilCause(t *testing.T) {
	assert.Nil(t, New("attach", Transient, nil))
}

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("boom")
	err := New("attach", Transient, base)
	require.Error(t, err)
	assert.Equal(t, Transient, KindOf(err))
	assert.True(t, Is(err, Transient))
	assert.ErrorIs(t, err, base)
}

func TestKindOfUnclassifiedDefaultsToPermanent(t *testing.T) {
	assert.Equal(t, Permanent, KindOf(errors.New("unwrapped")))
}

func TestKindOfNil(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(nil))
}

func TestStringer(t *testing.T) {
	cases := map[Kind]string{
		Transient:           "transient",
		NotReady:            "not_ready",
		Conflict:            "conflict",
		InvariantViolation:  "invariant_violation",
		Permanent:           "permanent",
		Fatal:               "fatal",
		Unknown:             "unknown",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}

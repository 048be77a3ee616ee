package models

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	cases := []struct {
		err      error
		expected error
	}{
		{errors.Wrap(ErrNotFound, "repository abc"), ErrNotFound},
		{errors.Wrapf(ErrConflict, "coordinate %s", "lib:1.0"), ErrConflict},
		{IOFailure(fmt.Errorf("disk full"), "write blob"), ErrIOFailure},
		{fmt.Errorf("plain"), nil},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.expected, Kind(tc.err))
		})
	}
}

func TestIOFailureKeepsCause(t *testing.T) {
	cause := fmt.Errorf("permission denied")
	err := IOFailure(cause, "read blob %s", "sha256:00")
	assert.True(t, errors.Is(err, ErrIOFailure))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "read blob sha256:00: permission denied", err.Error())
	assert.Nil(t, IOFailure(nil, "noop"))
}

func TestRepositoryVisibleTo(t *testing.T) {
	public := Repository{Owner: "alice", Visibility: Public}
	private := Repository{Owner: "alice", Visibility: Private}

	assert.True(t, public.VisibleTo(""))
	assert.True(t, public.VisibleTo("bob"))
	assert.True(t, private.VisibleTo("alice"))
	assert.False(t, private.VisibleTo("bob"))
	assert.False(t, private.VisibleTo(""))
}

func TestParseRepositoryType(t *testing.T) {
	typ, ok := ParseRepositoryType(" Maven ")
	assert.True(t, ok)
	assert.Equal(t, Maven, typ)

	_, ok = ParseRepositoryType("pypi")
	assert.False(t, ok)
}

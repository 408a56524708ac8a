package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with cause",
			err:  &Error{Kind: Runtime, Message: "plugin crashed", cause: errors.New("exit status 1")},
			want: "Runtime: plugin crashed: exit status 1",
		},
		{
			name: "without cause",
			err:  &Error{Kind: IdentityNotFound, Message: "id 42"},
			want: "IdentityNotFound: id 42",
		},
		{
			name: "bare kind",
			err:  &Error{Kind: PermissionDenied},
			want: "PermissionDenied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("underlying error")
	err := Wrap(InternalServer, cause, "open failed")
	assert.Equal(t, cause, err.Unwrap())

	bare := New(InternalServer, "open failed")
	assert.Nil(t, bare.Unwrap())
}

func TestError_Is(t *testing.T) {
	t.Parallel()
	err := New(SessionCanceled, "cancel requested")
	assert.True(t, errors.Is(err, New(SessionCanceled, "")))
	assert.False(t, errors.Is(err, New(WrongState, "")))
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Unknown, KindOf(nil))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, WrongState, KindOf(New(WrongState, "busy")))
}

func TestFromPluginCode(t *testing.T) {
	t.Parallel()

	t.Run("known low code maps to canonical kind", func(t *testing.T) {
		t.Parallel()
		err := FromPluginCode(40, "")
		assert.Equal(t, SessionCanceled, err.Kind)
	})

	t.Run("codes below the user range default to Unknown when unmapped", func(t *testing.T) {
		t.Parallel()
		err := FromPluginCode(7, "mystery")
		assert.Equal(t, Unknown, err.Kind)
		assert.Equal(t, 7, err.Code)
	})

	t.Run("user-range codes are carried through verbatim", func(t *testing.T) {
		t.Parallel()
		err := FromPluginCode(512, "custom oauth error")
		assert.Equal(t, Kind(512), err.Kind)
		assert.Equal(t, 512, err.Code)
		assert.Equal(t, "custom oauth error", err.Message)
	})
}

func TestKind_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "WrongState", WrongState.String())
	assert.Contains(t, Kind(777).String(), "UserDefined")
}

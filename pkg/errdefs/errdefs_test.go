package errdefs

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestKindPreservedThroughWrap(t *testing.T) {
	err := New(Busy, "cgroup not empty")
	wrapped := Wrap(Wrap(err, "stop"), "container demo")

	if GetKind(wrapped) != Busy {
		t.Errorf("GetKind() = %v, want Busy", GetKind(wrapped))
	}
	assert.True(t, IsBusy(wrapped))
	assert.Contains(t, wrapped.Error(), "container demo: stop:")
}

func TestFromSyscallMapping(t *testing.T) {
	cases := []struct {
		errno unix.Errno
		kind  Kind
	}{
		{unix.ENOENT, NotFound},
		{unix.EEXIST, AlreadyExists},
		{unix.EBUSY, Busy},
		{unix.ENOSPC, NoSpace},
		{unix.EDQUOT, NoSpace},
		{unix.EPERM, Permission},
		{unix.EINVAL, Unknown},
	}
	for _, c := range cases {
		err := FromSyscall("mount", c.errno)
		if err.Kind != c.kind {
			t.Errorf("FromSyscall(%v).Kind = %v, want %v", c.errno, err.Kind, c.kind)
		}
		if err.Errno != c.errno {
			t.Errorf("FromSyscall(%v).Errno = %v, want %v", c.errno, err.Errno, c.errno)
		}
	}
}

func TestGetKindForeignError(t *testing.T) {
	assert.Equal(t, Unknown, GetKind(errors.New("plain")))
	assert.Equal(t, Success, GetKind(nil))
}

func TestSerializeRoundTrip(t *testing.T) {
	in := &Error{Kind: InvalidPath, Errno: unix.ENOENT, Message: "no such rootfs"}

	var buf bytes.Buffer
	require.NoError(t, in.Serialize(&buf))

	out, err := Deserialize(&buf)
	require.NoError(t, err)
	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.Errno, out.Errno)
	assert.Equal(t, in.Message, out.Message)
}

func TestDeserializeEmptyPipeMeansExec(t *testing.T) {
	_, err := Deserialize(bytes.NewReader(nil))
	if err != io.EOF {
		t.Errorf("Deserialize(empty) error = %v, want io.EOF", err)
	}
}

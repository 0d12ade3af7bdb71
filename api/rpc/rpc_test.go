package rpc

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warden/pkg/errdefs"
)

func TestRequestRoundTrip(t *testing.T) {
	in := &Request{
		Op:        OpGet,
		Name:      "a/b",
		Key:       "memory_limit",
		Value:     "64M",
		TimeoutMs: 5000,
		Signal:    9,
		Names:     []string{"a", "a/b"},
		Keys:      []string{"state", "exit_status"},
		Volume: &VolumeSpec{
			Path:     "/v1",
			Layer:    "base",
			Backend:  "overlay",
			Quota:    64 << 20,
			ReadOnly: true,
			Uid:      1000,
			Gid:      1000,
			Private:  "tag",
		},
		Tarball: "/tmp/l.tar.gz",
		Flags:   GetSync | GetNonBlock,
	}

	out, err := UnmarshalRequest(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestResponseRoundTrip(t *testing.T) {
	in := &Response{
		Error:    int32(errdefs.Busy),
		ErrorMsg: "container busy",
		Value:    "running",
		List:     []string{"a", "b"},
		Pairs: []KeyValue{
			{Name: "a", Key: "state", Value: "running"},
			{Name: "b", Key: "state", Error: int32(errdefs.ContainerDoesNotExist), ErrorMsg: "gone"},
		},
		Volumes: []VolumeInfo{
			{Path: "/v1", Backend: "loop", Quota: 1 << 30, Links: []string{"c1", "c2"}},
		},
		WaitName:  "a",
		WaitState: "dead",
		Version:   "1.0.0",
	}

	out, err := UnmarshalResponse(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEmptyMessages(t *testing.T) {
	req, err := UnmarshalRequest((&Request{}).Marshal())
	require.NoError(t, err)
	assert.Equal(t, &Request{}, req)

	resp, err := UnmarshalResponse((&Response{}).Marshal())
	require.NoError(t, err)
	assert.NoError(t, resp.Err())
}

func TestResponseErr(t *testing.T) {
	r := (&Response{}).FromError(errdefs.New(errdefs.VolumeNotFound, "no volume"))
	err := r.Err()
	assert.Equal(t, errdefs.VolumeNotFound, errdefs.GetKind(err))
	assert.Contains(t, err.Error(), "no volume")
}

func TestFraming(t *testing.T) {
	var buf bytes.Buffer
	msgs := [][]byte{
		(&Request{Op: OpList}).Marshal(),
		(&Request{Op: OpVersion}).Marshal(),
		{},
	}
	for _, m := range msgs {
		require.NoError(t, WriteFrame(&buf, m))
	}

	r := bufio.NewReader(&buf)
	for _, want := range msgs {
		got, err := ReadFrame(r)
		require.NoError(t, err)
		assert.Equal(t, len(want), len(got))
	}
	_, err := ReadFrame(r)
	assert.Error(t, err) // EOF
}

func TestFrameSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff, 0x7f}) // huge uvarint
	_, err := ReadFrame(bufio.NewReader(&buf))
	assert.Equal(t, errdefs.InvalidData, errdefs.GetKind(err))
}

func TestUnknownFieldsSkipped(t *testing.T) {
	b := (&Request{Op: OpList}).Marshal()
	// append an unknown varint field 99
	b = append(b, 0x98, 0x06, 0x2a)
	req, err := UnmarshalRequest(b)
	require.NoError(t, err)
	assert.Equal(t, OpList, req.Op)
}

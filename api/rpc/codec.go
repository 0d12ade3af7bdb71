package rpc

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cuemby/warden/pkg/errdefs"
)

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendStrings(b []byte, num protowire.Number, vs []string) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, v)
	}
	return b
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendMsg(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// walkFields decodes one message, dispatching each field to fn. Unknown
// fields are skipped so old clients keep working against new daemons.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errdefs.New(errdefs.InvalidData, "bad tag")
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errdefs.New(errdefs.InvalidData, "bad bytes field")
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[n:]
		case protowire.VarintType:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errdefs.New(errdefs.InvalidData, "bad varint field")
			}
			if err := fn(num, typ, nil, u); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errdefs.New(errdefs.InvalidData, "bad field")
			}
			b = b[n:]
		}
	}
	return nil
}

// Marshal encodes the request.
func (r *Request) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, string(r.Op))
	b = appendString(b, 2, r.Name)
	b = appendString(b, 3, r.Key)
	b = appendString(b, 4, r.Value)
	b = appendUint(b, 5, r.TimeoutMs)
	b = appendInt(b, 6, int64(r.Signal))
	b = appendStrings(b, 7, r.Names)
	b = appendStrings(b, 8, r.Keys)
	if r.Volume != nil {
		b = appendMsg(b, 9, r.Volume.marshal())
	}
	b = appendString(b, 10, r.Tarball)
	b = appendUint(b, 11, uint64(r.Flags))
	return b
}

// UnmarshalRequest decodes a request message.
func UnmarshalRequest(b []byte) (*Request, error) {
	r := &Request{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			r.Op = Op(v)
		case 2:
			r.Name = string(v)
		case 3:
			r.Key = string(v)
		case 4:
			r.Value = string(v)
		case 5:
			r.TimeoutMs = u
		case 6:
			r.Signal = int32(u)
		case 7:
			r.Names = append(r.Names, string(v))
		case 8:
			r.Keys = append(r.Keys, string(v))
		case 9:
			vol, err := unmarshalVolumeSpec(v)
			if err != nil {
				return err
			}
			r.Volume = vol
		case 10:
			r.Tarball = string(v)
		case 11:
			r.Flags = uint32(u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (v *VolumeSpec) marshal() []byte {
	var b []byte
	b = appendString(b, 1, v.Path)
	b = appendString(b, 2, v.Layer)
	b = appendString(b, 3, v.Backend)
	b = appendInt(b, 4, v.Quota)
	b = appendBool(b, 5, v.ReadOnly)
	b = appendUint(b, 6, uint64(v.Uid))
	b = appendUint(b, 7, uint64(v.Gid))
	b = appendString(b, 8, v.Private)
	return b
}

func unmarshalVolumeSpec(b []byte) (*VolumeSpec, error) {
	v := &VolumeSpec{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte, u uint64) error {
		switch num {
		case 1:
			v.Path = string(val)
		case 2:
			v.Layer = string(val)
		case 3:
			v.Backend = string(val)
		case 4:
			v.Quota = int64(u)
		case 5:
			v.ReadOnly = u != 0
		case 6:
			v.Uid = uint32(u)
		case 7:
			v.Gid = uint32(u)
		case 8:
			v.Private = string(val)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (kv *KeyValue) marshal() []byte {
	var b []byte
	b = appendString(b, 1, kv.Name)
	b = appendString(b, 2, kv.Key)
	b = appendString(b, 3, kv.Value)
	b = appendInt(b, 4, int64(kv.Error))
	b = appendString(b, 5, kv.ErrorMsg)
	return b
}

func unmarshalKeyValue(b []byte) (KeyValue, error) {
	var kv KeyValue
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			kv.Name = string(v)
		case 2:
			kv.Key = string(v)
		case 3:
			kv.Value = string(v)
		case 4:
			kv.Error = int32(u)
		case 5:
			kv.ErrorMsg = string(v)
		}
		return nil
	})
	return kv, err
}

func (vi *VolumeInfo) marshal() []byte {
	var b []byte
	b = appendString(b, 1, vi.Path)
	b = appendString(b, 2, vi.Backend)
	b = appendString(b, 3, vi.Layer)
	b = appendInt(b, 4, vi.Quota)
	b = appendStrings(b, 5, vi.Links)
	return b
}

func unmarshalVolumeInfo(b []byte) (VolumeInfo, error) {
	var vi VolumeInfo
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			vi.Path = string(v)
		case 2:
			vi.Backend = string(v)
		case 3:
			vi.Layer = string(v)
		case 4:
			vi.Quota = int64(u)
		case 5:
			vi.Links = append(vi.Links, string(v))
		}
		return nil
	})
	return vi, err
}

// Marshal encodes the response.
func (r *Response) Marshal() []byte {
	var b []byte
	b = appendInt(b, 1, int64(r.Error))
	b = appendString(b, 2, r.ErrorMsg)
	b = appendString(b, 3, r.Value)
	b = appendStrings(b, 4, r.List)
	for i := range r.Pairs {
		b = appendMsg(b, 5, r.Pairs[i].marshal())
	}
	for i := range r.Volumes {
		b = appendMsg(b, 6, r.Volumes[i].marshal())
	}
	b = appendString(b, 7, r.WaitName)
	b = appendString(b, 8, r.WaitState)
	b = appendString(b, 9, r.Version)
	return b
}

// UnmarshalResponse decodes a response message.
func UnmarshalResponse(b []byte) (*Response, error) {
	r := &Response{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			r.Error = int32(u)
		case 2:
			r.ErrorMsg = string(v)
		case 3:
			r.Value = string(v)
		case 4:
			r.List = append(r.List, string(v))
		case 5:
			kv, err := unmarshalKeyValue(v)
			if err != nil {
				return err
			}
			r.Pairs = append(r.Pairs, kv)
		case 6:
			vi, err := unmarshalVolumeInfo(v)
			if err != nil {
				return err
			}
			r.Volumes = append(r.Volumes, vi)
		case 7:
			r.WaitName = string(v)
		case 8:
			r.WaitState = string(v)
		case 9:
			r.Version = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Err converts a response into an error, nil on success.
func (r *Response) Err() error {
	if r.Error == 0 {
		return nil
	}
	return errdefs.New(errdefs.Kind(r.Error), r.ErrorMsg)
}

// FromError fills the response error fields from a tagged error.
func (r *Response) FromError(err error) *Response {
	if err == nil {
		return r
	}
	r.Error = int32(errdefs.GetKind(err))
	r.ErrorMsg = err.Error()
	return r
}

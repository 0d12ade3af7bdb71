package errdefs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Kind classifies an error. The values double as wire codes in RPC
// responses, so they must stay stable.
type Kind int32

const (
	Success Kind = iota
	Unknown
	InvalidValue
	InvalidPath
	InvalidProperty
	InvalidState
	InvalidData
	Permission
	NotFound
	AlreadyExists
	Busy
	NoSpace
	Queued
	ContainerDoesNotExist
	ContainerAlreadyExists
	VolumeAlreadyExists
	VolumeNotFound
	LayerAlreadyExists
	LayerNotFound
	HasChildren
	TooMany
)

var kindNames = map[Kind]string{
	Success:                "Success",
	Unknown:                "Unknown",
	InvalidValue:           "InvalidValue",
	InvalidPath:            "InvalidPath",
	InvalidProperty:        "InvalidProperty",
	InvalidState:           "InvalidState",
	InvalidData:            "InvalidData",
	Permission:             "Permission",
	NotFound:               "NotFound",
	AlreadyExists:          "AlreadyExists",
	Busy:                   "Busy",
	NoSpace:                "NoSpace",
	Queued:                 "Queued",
	ContainerDoesNotExist:  "ContainerDoesNotExist",
	ContainerAlreadyExists: "ContainerAlreadyExists",
	VolumeAlreadyExists:    "VolumeAlreadyExists",
	VolumeNotFound:         "VolumeNotFound",
	LayerAlreadyExists:     "LayerAlreadyExists",
	LayerNotFound:          "LayerNotFound",
	HasChildren:            "HasChildren",
	TooMany:                "TooMany",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int32(k))
}

// Error is the single tagged error carried through every layer. Errno
// is preserved from the lowest call site; upper layers wrap with
// context but never change the kind.
type Error struct {
	Kind    Kind
	Errno   unix.Errno
	Message string
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// FromErrno captures a syscall failure. err may be a unix.Errno or an
// *os.PathError style wrapper around one.
func FromErrno(kind Kind, err error, msg string) *Error {
	e := &Error{Kind: kind, Message: msg}
	var errno unix.Errno
	if errors.As(err, &errno) {
		e.Errno = errno
	}
	if err != nil {
		e.Message = msg + ": " + err.Error()
	}
	return e
}

// FromSyscall maps common errnos to kinds so call sites do not repeat
// the switch.
func FromSyscall(op string, err error) *Error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return Newf(Unknown, "%s: %v", op, err)
	}
	kind := Unknown
	switch errno {
	case unix.ENOENT:
		kind = NotFound
	case unix.EEXIST:
		kind = AlreadyExists
	case unix.EBUSY:
		kind = Busy
	case unix.ENOSPC, unix.EDQUOT:
		kind = NoSpace
	case unix.EACCES, unix.EPERM:
		kind = Permission
	}
	return &Error{Kind: kind, Errno: errno, Message: op + ": " + errno.Error()}
}

func (e *Error) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s: %s (errno %d)", e.Kind, e.Message, int(e.Errno))
	}
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is reports kind equality, so errors.Is(err, errdefs.New(Busy, ""))
// and the package sentinels work.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Wrap prefixes context while preserving kind and errno. A nil err
// returns nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Errno: e.Errno, Message: msg + ": " + e.Message}
	}
	return &Error{Kind: Unknown, Message: msg + ": " + err.Error()}
}

// GetKind extracts the kind, Unknown for foreign errors, Success for
// nil.
func GetKind(err error) Kind {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

func IsNotFound(err error) bool {
	switch GetKind(err) {
	case NotFound, ContainerDoesNotExist, VolumeNotFound, LayerNotFound:
		return true
	}
	return false
}

func IsBusy(err error) bool     { return GetKind(err) == Busy }
func IsConflict(err error) bool { return GetKind(err) == InvalidState }

// Serialize writes the error in the child-setup pipe format:
// <kind:u32><errno:i32><len:u32><message:len bytes>, little endian.
// A successful exec writes nothing (CLOEXEC closes the pipe), so the
// parent reading zero bytes means success.
func (e *Error) Serialize(w io.Writer) error {
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(e.Kind))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(int32(e.Errno)))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(e.Message)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write([]byte(e.Message))
	return err
}

// Deserialize reads one serialized error. io.EOF on the first byte
// means the writer exec'ed successfully and (nil, io.EOF) is returned.
func Deserialize(r io.Reader) (*Error, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	e := &Error{
		Kind:  Kind(int32(binary.LittleEndian.Uint32(hdr[0:]))),
		Errno: unix.Errno(int32(binary.LittleEndian.Uint32(hdr[4:]))),
	}
	n := binary.LittleEndian.Uint32(hdr[8:])
	if n > 0 {
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, err
		}
		e.Message = string(msg)
	}
	return e, nil
}

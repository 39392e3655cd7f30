// Package xattr reads and writes filesystem extended attributes and
// provides a self-contained, round-trippable wire encoding for storing them
// in the metadata store's `version.xattr` column.
//
// Extended attribute values are arbitrary bytes, not necessarily valid
// UTF-8 (SELinux labels and some vendor attributes use raw binary), so
// Attrs is keyed by string name but valued by []byte, and Encode/Decode
// never pass through a string value.
package xattr

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"slices"

	"golang.org/x/sys/unix"
)

var (
	// ErrTooLarge is returned by Encode when the serialized attribute set
	// would not fit in the u16 length prefixes used by the wire format.
	ErrTooLarge = errors.New("xattr: attribute set too large to encode")
	// ErrInvalidData is returned by Decode when data is truncated or
	// internally inconsistent.
	ErrInvalidData = errors.New("xattr: invalid attribute data")
)

// Attrs is a filesystem entry's extended attribute set, name to raw value.
type Attrs map[string][]byte

// Encode serializes attrs to the on-disk wire format:
//
//	[count:u16][nameLen:u16][name bytes][valLen:u16][val bytes]... repeated count times
//
// Names are sorted so two calls over the same set produce identical bytes.
func (a Attrs) Encode() ([]byte, error) {
	if len(a) == 0 {
		return []byte{0, 0}, nil
	}

	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	slices.Sort(names)

	size := 2
	for _, name := range names {
		size += 2 + len(name) + 2 + len(a[name])
	}
	if size > 65535 {
		return nil, ErrTooLarge
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(a)))

	offset := 2
	for _, name := range names {
		val := a[name]

		binary.LittleEndian.PutUint16(buf[offset:offset+2], uint16(len(name)))
		offset += 2
		copy(buf[offset:], name)
		offset += len(name)

		binary.LittleEndian.PutUint16(buf[offset:offset+2], uint16(len(val)))
		offset += 2
		copy(buf[offset:], val)
		offset += len(val)
	}

	return buf, nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Attrs, error) {
	if len(data) < 2 {
		return nil, ErrInvalidData
	}

	count := int(binary.LittleEndian.Uint16(data[0:2]))
	if count == 0 {
		return Attrs{}, nil
	}

	attrs := make(Attrs, count)
	offset := 2

	for range count {
		if offset+2 > len(data) {
			return nil, ErrInvalidData
		}
		nameLen := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
		offset += 2

		if offset+nameLen > len(data) {
			return nil, ErrInvalidData
		}
		name := string(data[offset : offset+nameLen])
		offset += nameLen

		if offset+2 > len(data) {
			return nil, ErrInvalidData
		}
		valLen := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
		offset += 2

		if offset+valLen > len(data) {
			return nil, ErrInvalidData
		}
		val := make([]byte, valLen)
		copy(val, data[offset:offset+valLen])
		offset += valLen

		attrs[name] = val
	}

	return attrs, nil
}

// EncodeString wraps Encode and base64-encodes the result, the form stored
// in the metadata store's TEXT xattr column.
func (a Attrs) EncodeString() (string, error) {
	buf, err := a.Encode()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// DecodeString is the inverse of EncodeString.
func DecodeString(s string) (Attrs, error) {
	if s == "" {
		return Attrs{}, nil
	}
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidData
	}
	return Decode(buf)
}

// Copy returns a deep copy of attrs.
func (a Attrs) Copy() Attrs {
	if a == nil {
		return nil
	}
	cp := make(Attrs, len(a))
	for name, val := range a {
		v := make([]byte, len(val))
		copy(v, val)
		cp[name] = v
	}
	return cp
}

// Equal reports whether a and b hold the same names and values.
func Equal(a, b Attrs) bool {
	if len(a) != len(b) {
		return false
	}
	for name, val := range a {
		other, ok := b[name]
		if !ok || !slices.Equal(val, other) {
			return false
		}
	}
	return true
}

// Read collects every extended attribute set on path. It does not follow
// symlinks: for a symlink, it reads attributes attached to the link itself.
func Read(path string) (Attrs, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil {
		if errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) {
			return Attrs{}, nil
		}
		return nil, err
	}
	if size == 0 {
		return Attrs{}, nil
	}

	namebuf := make([]byte, size)
	n, err := unix.Llistxattr(path, namebuf)
	if err != nil {
		return nil, err
	}

	attrs := make(Attrs)
	for _, name := range splitNames(namebuf[:n]) {
		valSize, err := unix.Lgetxattr(path, name, nil)
		if err != nil {
			continue
		}
		if valSize == 0 {
			attrs[name] = []byte{}
			continue
		}
		val := make([]byte, valSize)
		n, err := unix.Lgetxattr(path, name, val)
		if err != nil {
			continue
		}
		attrs[name] = val[:n]
	}
	return attrs, nil
}

// Write applies attrs to path, replacing whatever extended attributes
// already exist with exactly the given set. It does not follow symlinks.
func Write(path string, attrs Attrs) error {
	existing, err := Read(path)
	if err != nil {
		return err
	}

	for name := range existing {
		if _, keep := attrs[name]; !keep {
			if err := unix.Lremovexattr(path, name); err != nil && !errors.Is(err, unix.ENODATA) {
				return err
			}
		}
	}

	for name, val := range attrs {
		if err := unix.Lsetxattr(path, name, val, 0); err != nil {
			return err
		}
	}

	return nil
}

func splitNames(namebuf []byte) []string {
	var names []string
	start := 0
	for i, b := range namebuf {
		if b == 0 {
			if i > start {
				names = append(names, string(namebuf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}

package domain

import (
	"encoding/binary"
	"maps"
	"slices"

	"go.trai.ch/zerr"
)

// Artifact is the compiled output of one source file.
type Artifact struct {
	Code      []byte            `json:"code"`
	Styles    []byte            `json:"styles,omitempty"`
	SourceMap []byte            `json:"source_map,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// MarshalBinary returns the canonical encoding of the artifact. Every field is
// length prefixed and Meta is written in key order, so equal artifacts always
// encode to equal bytes. Checksums and sizes are computed over this encoding.
func (a Artifact) MarshalBinary() ([]byte, error) {
	size := 3*binary.MaxVarintLen64 + len(a.Code) + len(a.Styles) + len(a.SourceMap)
	for k, v := range a.Meta {
		size += 2*binary.MaxVarintLen64 + len(k) + len(v)
	}

	buf := make([]byte, 0, size+binary.MaxVarintLen64)
	buf = appendField(buf, a.Code)
	buf = appendField(buf, a.Styles)
	buf = appendField(buf, a.SourceMap)

	buf = binary.AppendUvarint(buf, uint64(len(a.Meta)))
	for _, k := range slices.Sorted(maps.Keys(a.Meta)) {
		buf = appendField(buf, []byte(k))
		buf = appendField(buf, []byte(a.Meta[k]))
	}
	return buf, nil
}

// UnmarshalBinary decodes the canonical encoding produced by MarshalBinary.
func (a *Artifact) UnmarshalBinary(data []byte) error {
	r := fieldReader{buf: data}

	code := r.next()
	styles := r.next()
	sourceMap := r.next()
	n := r.uvarint()
	if r.err != nil {
		return r.err
	}

	var meta map[string]string
	if n > 0 {
		if n > uint64(len(r.buf)) {
			return zerr.With(ErrPayloadDecodeFailed, "reason", "meta count exceeds payload")
		}
		meta = make(map[string]string, n)
		for range n {
			k := r.next()
			v := r.next()
			if r.err != nil {
				return r.err
			}
			meta[string(k)] = string(v)
		}
	}
	if len(r.buf) != 0 {
		return zerr.With(ErrPayloadDecodeFailed, "reason", "trailing bytes")
	}

	a.Code, a.Styles, a.SourceMap, a.Meta = code, styles, sourceMap, meta
	return nil
}

// Checksum returns the digest of the canonical encoding and its length.
func (a Artifact) Checksum() (Digest, int64) {
	data, _ := a.MarshalBinary()
	return DigestOf(data), int64(len(data))
}

// Equal reports whether two artifacts encode to the same bytes.
func (a Artifact) Equal(b Artifact) bool {
	da, _ := a.Checksum()
	db, _ := b.Checksum()
	return da == db
}

func appendField(buf, field []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(field)))
	return append(buf, field...)
}

type fieldReader struct {
	buf []byte
	err error
}

func (r *fieldReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = zerr.With(ErrPayloadDecodeFailed, "reason", "bad length prefix")
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *fieldReader) next() []byte {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)) {
		r.err = zerr.With(ErrPayloadDecodeFailed, "reason", "field exceeds payload")
		return nil
	}
	if n == 0 {
		return nil
	}
	field := make([]byte, n)
	copy(field, r.buf[:n])
	r.buf = r.buf[n:]
	return field
}

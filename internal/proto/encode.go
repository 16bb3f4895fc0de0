package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"

	"github.com/pkg/errors"
)

// MaxBlobLen bounds a single frame. Signals are small; anything larger is a
// corrupt or hostile length prefix.
const MaxBlobLen = 1 << 20

// WriteBlob writes obj as a length-prefixed json blob.
func WriteBlob(dst io.Writer, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrap(err, "can't encode json")
	}
	if len(data) > MaxBlobLen || len(data) > math.MaxInt32 {
		return errors.Errorf("json blob of %d bytes exceeds limit %d", len(data), MaxBlobLen)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := dst.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "could not write json length")
	}
	if _, err := dst.Write(data); err != nil {
		return errors.Wrap(err, "could not write json")
	}
	return nil
}

// ReadBlob reads a blob written by WriteBlob into obj.
func ReadBlob(src io.Reader, obj interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(src, lenBuf[:]); err != nil {
		return errors.Wrap(err, "protocol error: could not read length of json")
	}
	jsonLen := binary.BigEndian.Uint32(lenBuf[:])
	if jsonLen > MaxBlobLen {
		return errors.Errorf("protocol error: json length %d exceeds limit %d", jsonLen, MaxBlobLen)
	}
	// Read the whole frame before decoding so a short frame is reported as
	// such instead of as a json syntax error.
	data := make([]byte, jsonLen)
	if n, err := io.ReadFull(src, data); err != nil {
		return errors.Wrapf(err, "unable to read expected json length (expected %v, got %v)", jsonLen, n)
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return errors.Wrap(err, "can't decode json")
	}
	return nil
}

// Encode frames a versioned message into a byte slice.
func Encode(obj interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteBlob(&buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode. It rejects trailing bytes and messages of
// another protocol version.
func Decode(data []byte, obj interface{}) error {
	r := bytes.NewReader(data)
	if err := ReadBlob(r, obj); err != nil {
		return err
	}
	if r.Len() != 0 {
		return errors.Errorf("protocol error: %d trailing bytes after frame", r.Len())
	}
	if v, ok := obj.(versioned); ok && v.protoVersion() != Version {
		return errors.Errorf("protocol version mismatch: got %d, speak %d", v.protoVersion(), Version)
	}
	return nil
}

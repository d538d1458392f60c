package firehose

import (
	"fmt"
	"io"
	"math"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// DecodeError is returned for any message or record that cannot be turned
// into its typed form. The subscriber treats these as per-message failures.
type DecodeError struct {
	msg string
}

func (e *DecodeError) Error() string { return e.msg }

func decodeErrorf(format string, args ...any) *DecodeError {
	return &DecodeError{msg: fmt.Sprintf(format, args...)}
}

const (
	maxStringLen = 1 << 20
	maxBytesLen  = 1 << 21
	maxElements  = 1 << 15
)

// readValue reads a single DAG-CBOR value. Maps come back as
// map[string]any, arrays as []any, links as cid.Cid. Records are small
// maps of mostly strings, so this covers every shape the lexicons emit.
func readValue(cr *cbg.CborReader) (any, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return nil, err
	}

	switch maj {
	case cbg.MajUnsignedInt:
		return int64(extra), nil
	case cbg.MajNegativeInt:
		return -1 - int64(extra), nil
	case cbg.MajByteString:
		if extra > maxBytesLen {
			return nil, decodeErrorf("byte string too long (%d)", extra)
		}
		buf := make([]byte, extra)
		if _, err := io.ReadFull(cr, buf); err != nil {
			return nil, err
		}
		return buf, nil
	case cbg.MajTextString:
		if extra > maxStringLen {
			return nil, decodeErrorf("string too long (%d)", extra)
		}
		buf := make([]byte, extra)
		if _, err := io.ReadFull(cr, buf); err != nil {
			return nil, err
		}
		return string(buf), nil
	case cbg.MajArray:
		if extra > maxElements {
			return nil, decodeErrorf("array too long (%d)", extra)
		}
		arr := make([]any, 0, extra)
		for i := uint64(0); i < extra; i++ {
			v, err := readValue(cr)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case cbg.MajMap:
		if extra > maxElements {
			return nil, decodeErrorf("map too long (%d)", extra)
		}
		m := make(map[string]any, extra)
		for i := uint64(0); i < extra; i++ {
			k, err := readValue(cr)
			if err != nil {
				return nil, err
			}
			key, ok := k.(string)
			if !ok {
				return nil, decodeErrorf("map key is not a string (%T)", k)
			}
			v, err := readValue(cr)
			if err != nil {
				return nil, err
			}
			m[key] = v
		}
		return m, nil
	case cbg.MajTag:
		if extra != 42 {
			return nil, decodeErrorf("unsupported cbor tag %d", extra)
		}
		return readLink(cr)
	case cbg.MajOther:
		switch extra {
		case 20:
			return false, nil
		case 21:
			return true, nil
		case 22:
			return nil, nil
		default:
			// DAG-CBOR only allows 64-bit floats, whose bits land in
			// extra when the additional info byte is 27.
			return math.Float64frombits(extra), nil
		}
	default:
		return nil, decodeErrorf("unhandled cbor major type %d", maj)
	}
}

// readLink reads the byte-string payload of a tag-42 link: a multibase
// identity prefix byte followed by the binary cid.
func readLink(cr *cbg.CborReader) (cid.Cid, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return cid.Undef, err
	}
	if maj != cbg.MajByteString {
		return cid.Undef, decodeErrorf("link payload is not a byte string")
	}
	if extra < 2 || extra > 512 {
		return cid.Undef, decodeErrorf("link payload has bad length %d", extra)
	}
	buf := make([]byte, extra)
	if _, err := io.ReadFull(cr, buf); err != nil {
		return cid.Undef, err
	}
	if buf[0] != 0x00 {
		return cid.Undef, decodeErrorf("link payload missing identity multibase prefix")
	}
	c, err := cid.Cast(buf[1:])
	if err != nil {
		return cid.Undef, decodeErrorf("bad cid in link: %s", err)
	}
	return c, nil
}

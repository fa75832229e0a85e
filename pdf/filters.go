package pdf

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrUnsupportedFilter is returned for stream filters this reader does not
// implement.
var ErrUnsupportedFilter = errors.New("unsupported stream filter")

// maxDecodedStream bounds decompressed stream output so a hostile document
// cannot exhaust memory.
const maxDecodedStream = 32 * 1024 * 1024

// Decode decodes a stream's raw bytes by applying its /Filter chain.
func (d *Document) Decode(stream *Stream) ([]byte, error) {
	filters, err := d.filterChain(stream.Dict)
	if err != nil {
		return nil, err
	}

	data := stream.Raw
	for _, filter := range filters {
		switch filter {
		case "FlateDecode", "Fl":
			data, err = flateDecode(data)
		case "ASCIIHexDecode", "AHx":
			data, err = asciiHexDecode(data)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFilter, filter)
		}
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (d *Document) filterChain(dict Dict) ([]Name, error) {
	switch f := d.Resolve(dict.Get("Filter")).(type) {
	case nil:
		return nil, nil
	case Name:
		return []Name{f}, nil
	case Array:
		var filters []Name
		for _, item := range f {
			name, ok := d.Resolve(item).(Name)
			if !ok {
				return nil, fmt.Errorf("%w: filter entry is not a name", ErrMalformedObject)
			}
			filters = append(filters, name)
		}
		return filters, nil
	default:
		return nil, fmt.Errorf("%w: bad /Filter entry", ErrMalformedObject)
	}
}

func flateDecode(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("flate decode failed: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxDecodedStream))
	if err != nil {
		return nil, fmt.Errorf("flate decode failed: %w", err)
	}
	return out, nil
}

func asciiHexDecode(data []byte) ([]byte, error) {
	var digits []byte
	for _, b := range data {
		if b == '>' {
			break
		}
		if isHexDigit(b) {
			digits = append(digits, b)
		} else if !isWhitespace(b) {
			return nil, fmt.Errorf("%w: bad hex digit %q", ErrMalformedObject, b)
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	for i := range out {
		v, err := strconv.ParseUint(string(digits[i*2:i*2+2]), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: bad hex pair", ErrMalformedObject)
		}
		out[i] = byte(v)
	}
	return out, nil
}

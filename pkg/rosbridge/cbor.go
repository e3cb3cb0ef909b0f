package rosbridge

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// RFC 8746 typed-array tags emitted by rosbridge for numeric arrays.
// rosbridge always encodes little endian.
const (
	tagUint8     = 64
	tagUint16LE  = 69
	tagUint32LE  = 70
	tagUint64LE  = 71
	tagInt8      = 72
	tagInt16LE   = 77
	tagInt32LE   = 78
	tagInt64LE   = 79
	tagFloat32LE = 85
	tagFloat64LE = 86
)

var cborDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// cborToJSON re-encodes a CBOR rosbridge frame as JSON so that binary and
// text frames share one dispatch path.
func cborToJSON(data []byte) ([]byte, error) {
	var v any
	if err := cborDecMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("cbor decode: %w", err)
	}
	norm, err := normalizeCBOR(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

func normalizeCBOR(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, item := range x {
			n, err := normalizeCBOR(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			x[k] = n
		}
		return x, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string map key %v", k)
			}
			n, err := normalizeCBOR(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = n
		}
		return out, nil
	case []any:
		for i, item := range x {
			n, err := normalizeCBOR(item)
			if err != nil {
				return nil, err
			}
			x[i] = n
		}
		return x, nil
	case cbor.Tag:
		return decodeTypedArray(x)
	default:
		return v, nil
	}
}

func decodeTypedArray(tag cbor.Tag) (any, error) {
	data, ok := tag.Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("unsupported content %T for tag %d", tag.Content, tag.Number)
	}

	switch tag.Number {
	case tagUint8:
		// Left as bytes: JSON-encoded rosbridge sends uint8[] as base64 too.
		return data, nil
	case tagUint16LE:
		out := make([]uint16, len(data)/2)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(data[i*2:])
		}
		return out, nil
	case tagUint32LE:
		out := make([]uint32, len(data)/4)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(data[i*4:])
		}
		return out, nil
	case tagUint64LE:
		out := make([]uint64, len(data)/8)
		for i := range out {
			out[i] = binary.LittleEndian.Uint64(data[i*8:])
		}
		return out, nil
	case tagInt8:
		out := make([]int8, len(data))
		for i, b := range data {
			out[i] = int8(b)
		}
		return out, nil
	case tagInt16LE:
		out := make([]int16, len(data)/2)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
		}
		return out, nil
	case tagInt32LE:
		out := make([]int32, len(data)/4)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return out, nil
	case tagInt64LE:
		out := make([]int64, len(data)/8)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
		}
		return out, nil
	case tagFloat32LE:
		out := make([]float32, len(data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return out, nil
	case tagFloat64LE:
		out := make([]float64, len(data)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
}

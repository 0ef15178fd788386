package decoder

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Op is the closed set of primitive transforms a pipeline can be built from.
type Op uint8

const (
	OpReverse Op = iota + 1
	OpBase64Std
	OpBase64URL
	OpBase64Custom
	OpHex
	OpShift
	OpXORElement
	OpXORIndex
	OpInflate
)

// CustomAlphabet is the reordered base64 alphabet seen in player payloads:
// upper and lower case halves are interleaved in blocks of 13.
const CustomAlphabet = "ABCDEFGHIJKLMabcdefghijklmNOPQRSTUVWXYZnopqrstuvwxyz0123456789+/"

// maxInflated caps decompressed payload size.
const maxInflated = 1 << 20

var customEncoding = base64.NewEncoding(CustomAlphabet).WithPadding(base64.NoPadding)

var (
	errNoElementID = errors.New("xor key requires a companion element id")
	errEmptyKey    = errors.New("xor key is empty")
)

// Step is one primitive transform. Shift is only read by OpShift.
type Step struct {
	Op    Op
	Shift int
}

// Primitive constructors.
var (
	Reverse      = Step{Op: OpReverse}
	Base64Std    = Step{Op: OpBase64Std}
	Base64URL    = Step{Op: OpBase64URL}
	Base64Custom = Step{Op: OpBase64Custom}
	Hex          = Step{Op: OpHex}
	XORElement   = Step{Op: OpXORElement}
	XORIndex     = Step{Op: OpXORIndex}
	Inflate      = Step{Op: OpInflate}
)

// Shift returns a caesar step that moves letters and digits by n.
func Shift(n int) Step { return Step{Op: OpShift, Shift: n} }

// String returns the step's id fragment, used to build strategy ids.
func (s Step) String() string {
	switch s.Op {
	case OpReverse:
		return "reverse"
	case OpBase64Std:
		return "b64"
	case OpBase64URL:
		return "b64url"
	case OpBase64Custom:
		return "b64custom"
	case OpHex:
		return "hex"
	case OpShift:
		if s.Shift >= 0 {
			return "shift+" + strconv.Itoa(s.Shift)
		}
		return "shift" + strconv.Itoa(s.Shift)
	case OpXORElement:
		return "xor-id"
	case OpXORIndex:
		return "xor-index"
	case OpInflate:
		return "inflate"
	default:
		return "op" + strconv.Itoa(int(s.Op))
	}
}

func (s Step) apply(in []byte, elementID string) ([]byte, error) {
	switch s.Op {
	case OpReverse:
		return reverseBytes(in), nil
	case OpBase64Std:
		return decodeBase64(base64.RawStdEncoding, in)
	case OpBase64URL:
		return decodeBase64(base64.RawURLEncoding, in)
	case OpBase64Custom:
		return decodeBase64(customEncoding, in)
	case OpHex:
		return decodeHex(in)
	case OpShift:
		return shiftBytes(in, s.Shift), nil
	case OpXORElement:
		if elementID == "" {
			return nil, errNoElementID
		}
		return xorCycle(in, []byte(elementID))
	case OpXORIndex:
		return xorIndex(in), nil
	case OpInflate:
		return inflate(in)
	default:
		return nil, fmt.Errorf("unknown op %d", s.Op)
	}
}

func (s Step) invert(in []byte, elementID string) ([]byte, error) {
	switch s.Op {
	case OpReverse:
		return reverseBytes(in), nil
	case OpBase64Std:
		return []byte(base64.StdEncoding.EncodeToString(in)), nil
	case OpBase64URL:
		return []byte(base64.RawURLEncoding.EncodeToString(in)), nil
	case OpBase64Custom:
		return []byte(customEncoding.EncodeToString(in)), nil
	case OpHex:
		return []byte(hex.EncodeToString(in)), nil
	case OpShift:
		return shiftBytes(in, -s.Shift), nil
	case OpXORElement, OpXORIndex:
		return s.apply(in, elementID)
	case OpInflate:
		return deflate(in)
	default:
		return nil, fmt.Errorf("unknown op %d", s.Op)
	}
}

func reverseBytes(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[len(in)-1-i] = b
	}
	return out
}

// decodeBase64 tolerates surrounding whitespace and padding on either end.
func decodeBase64(enc *base64.Encoding, in []byte) ([]byte, error) {
	s := strings.TrimSpace(string(in))
	s = strings.Trim(s, "=")
	if s == "" {
		return nil, errors.New("empty base64 input")
	}
	return enc.DecodeString(s)
}

func decodeHex(in []byte) ([]byte, error) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ':', ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, string(in))
	if s == "" || len(s)%2 != 0 {
		return nil, errors.New("hex input has odd length")
	}
	return hex.DecodeString(s)
}

// shiftBytes moves letters modulo 26 and digits modulo 10, leaving other bytes untouched.
func shiftBytes(in []byte, n int) []byte {
	out := make([]byte, len(in))
	for i, c := range in {
		switch {
		case c >= 'A' && c <= 'Z':
			out[i] = 'A' + byte(mod(int(c-'A')+n, 26))
		case c >= 'a' && c <= 'z':
			out[i] = 'a' + byte(mod(int(c-'a')+n, 26))
		case c >= '0' && c <= '9':
			out[i] = '0' + byte(mod(int(c-'0')+n, 10))
		default:
			out[i] = c
		}
	}
	return out
}

func mod(a, m int) int {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}

func xorCycle(in, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errEmptyKey
	}
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ key[i%len(key)]
	}
	return out, nil
}

func xorIndex(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ byte(i)
	}
	return out
}

// inflate picks gzip, zlib or raw deflate from the stream header.
func inflate(in []byte) ([]byte, error) {
	var r io.ReadCloser
	var err error
	switch {
	case len(in) >= 2 && in[0] == 0x1f && in[1] == 0x8b:
		r, err = gzip.NewReader(bytes.NewReader(in))
	case len(in) >= 2 && in[0]&0x0f == 8 && (uint16(in[0])<<8|uint16(in[1]))%31 == 0:
		r, err = zlib.NewReader(bytes.NewReader(in))
	default:
		r = flate.NewReader(bytes.NewReader(in))
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxInflated+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxInflated {
		return nil, errors.New("inflated payload too large")
	}
	return out, nil
}

func deflate(in []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(in); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

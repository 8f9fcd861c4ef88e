package bootstrap

import (
	"encoding/base64"
	"strings"

	"github.com/dop251/goja"
)

const base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

func (s *Scope) btoa(call goja.FunctionCall) goja.Value {
	if len(call.Arguments) == 0 {
		panic(s.vm.NewTypeError("btoa: 1 argument required, but only 0 present"))
	}
	encoded, ok := encodeLatin1(call.Argument(0).String())
	if !ok {
		s.throw("InvalidCharacterError", "btoa: the string to be encoded contains characters outside of the Latin1 range")
	}
	return s.vm.ToValue(encoded)
}

func (s *Scope) atob(call goja.FunctionCall) goja.Value {
	if len(call.Arguments) == 0 {
		panic(s.vm.NewTypeError("atob: 1 argument required, but only 0 present"))
	}
	decoded, ok := decodeForgiving(call.Argument(0).String())
	if !ok {
		s.throw("InvalidCharacterError", "atob: the string to be decoded is not correctly encoded")
	}
	return s.vm.ToValue(decoded)
}

// encodeLatin1 base64-encodes a string whose code points are all <= U+00FF,
// one byte per code point.
func encodeLatin1(input string) (string, bool) {
	buf := make([]byte, 0, len(input))
	for _, r := range input {
		if r > 0xff {
			return "", false
		}
		buf = append(buf, byte(r))
	}
	return base64.StdEncoding.EncodeToString(buf), true
}

// decodeForgiving implements forgiving-base64 decode: ASCII whitespace is
// ignored and up to two trailing '=' are optional when the length allows.
// The result maps each decoded byte to one code point.
func decodeForgiving(input string) (string, bool) {
	data := strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\f', '\r', ' ':
			return -1
		}
		return r
	}, input)

	if len(data)%4 == 0 {
		data = strings.TrimSuffix(data, "=")
		data = strings.TrimSuffix(data, "=")
	}
	if len(data)%4 == 1 {
		return "", false
	}
	for i := 0; i < len(data); i++ {
		if strings.IndexByte(base64Alphabet, data[i]) < 0 {
			return "", false
		}
	}

	raw, err := base64.RawStdEncoding.DecodeString(data)
	if err != nil {
		return "", false
	}
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes), true
}

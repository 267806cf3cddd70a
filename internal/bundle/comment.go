package bundle

import (
	"encoding/binary"
	"unicode/utf8"
)

// Text comment bodies carry a 32-bit zero opcode followed by UTF-8 text.
// Some wallets omit the opcode and send the raw string, so decoding accepts
// both forms.

func EncodeComment(text string) []byte {
	body := make([]byte, 4+len(text))
	binary.BigEndian.PutUint32(body[:4], 0)
	copy(body[4:], text)
	return body
}

// DecodeComment extracts the text comment from a message body. It returns
// false when the body is neither an opcode-0 comment nor plain UTF-8 text.
func DecodeComment(body []byte) (string, bool) {
	if len(body) >= 4 && binary.BigEndian.Uint32(body[:4]) == 0 {
		text := body[4:]
		if utf8.Valid(text) {
			return string(text), true
		}
		return "", false
	}
	if len(body) > 0 && utf8.Valid(body) {
		return string(body), true
	}
	return "", false
}

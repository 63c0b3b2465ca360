package ws

import (
	"encoding/base64"
	"mime"
	"strings"
	"unicode/utf8"
)

// EncodeBody picks the wire form of a payload. JSON that is valid UTF-8 travels
// as text; everything else (HTML included, so the relay can rewrite it) travels
// as base64.
func EncodeBody(contentType string, body []byte) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	if isJSON(contentType) && utf8.Valid(body) {
		return string(body), false
	}
	return base64.StdEncoding.EncodeToString(body), true
}

// DecodeBody reverses EncodeBody.
func DecodeBody(body string, isBase64 bool) ([]byte, error) {
	if !isBase64 {
		return []byte(body), nil
	}
	return base64.StdEncoding.DecodeString(body)
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

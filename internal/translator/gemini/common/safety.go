package common

import (
	"github.com/tidwall/sjson"
)

// DefaultSafetySettings returns the safety configuration attached to every
// outbound generative request: nothing is blocked proxy-side, the upstream
// account policy is the only filter.
func DefaultSafetySettings() []map[string]string {
	return []map[string]string{
		{
			"category":  "HARM_CATEGORY_HARASSMENT",
			"threshold": "BLOCK_NONE",
		},
		{
			"category":  "HARM_CATEGORY_HATE_SPEECH",
			"threshold": "BLOCK_NONE",
		},
		{
			"category":  "HARM_CATEGORY_SEXUALLY_EXPLICIT",
			"threshold": "BLOCK_NONE",
		},
		{
			"category":  "HARM_CATEGORY_DANGEROUS_CONTENT",
			"threshold": "BLOCK_NONE",
		},
	}
}

// AttachDefaultSafetySettings overwrites the safety settings at the given
// JSON path (e.g. "safetySettings").
func AttachDefaultSafetySettings(rawJSON []byte, path string) []byte {
	out, err := sjson.SetBytes(rawJSON, path, DefaultSafetySettings())
	if err != nil {
		return rawJSON
	}
	return out
}

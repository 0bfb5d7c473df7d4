package gateway

import (
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
)

// DecodeDataURL splits a base64 data URL ("data:image/png;base64,....") into
// its MIME type and raw bytes.
func DecodeDataURL(dataURL string) (string, []byte, error) {
	if !strings.HasPrefix(dataURL, "data:") {
		return "", nil, errors.New("data url: missing data: prefix")
	}
	header, payload, ok := strings.Cut(dataURL, ",")
	if !ok {
		return "", nil, errors.New("data url: missing payload separator")
	}
	meta := strings.TrimPrefix(header, "data:")
	mime, params, _ := strings.Cut(meta, ";")
	if mime == "" {
		mime = "application/octet-stream"
	}
	if !strings.Contains(params, "base64") {
		return "", nil, errors.New("data url: only base64 payloads are supported")
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, errors.Wrap(err, "data url: decode base64")
	}
	return mime, raw, nil
}

// EncodeDataURL is the inverse of DecodeDataURL.
func EncodeDataURL(mime string, data []byte) string {
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

package gateway

import (
	"fmt"
	"io"
	"net/url"

	json "github.com/goccy/go-json"
)

const (
	contentTypeForm = "application/x-www-form-urlencoded"
	contentTypeJSON = "application/json"
)

// JSON marks a request body to be encoded as JSON.
//
// Example:
//
//	resp, err := gw.Post(ctx, "/users", gateway.JSON{V: user}, nil)
type JSON struct {
	V any
}

// encodeBody serializes a request body.
//
// Encoding rules:
//   - nil: no body
//   - url.Values, map[string]string, map[string][]string: form encoded
//   - io.Reader: read to completion (closed if it is an io.Closer)
//   - []byte, string: sent as is
//   - JSON: JSON encoded
//   - anything else: fmt.Sprint
//
// The returned content type is empty when the encoding implies none.
func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case url.Values:
		return []byte(b.Encode()), contentTypeForm, nil
	case map[string]string:
		values := make(url.Values, len(b))
		for k, v := range b {
			values.Set(k, v)
		}
		return []byte(values.Encode()), contentTypeForm, nil
	case map[string][]string:
		return []byte(url.Values(b).Encode()), contentTypeForm, nil
	case io.Reader:
		if c, ok := b.(io.Closer); ok {
			defer c.Close()
		}
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, "", fmt.Errorf("gateway: read request body: %w", err)
		}
		return data, "", nil
	case []byte:
		return b, "", nil
	case string:
		return []byte(b), "", nil
	case JSON:
		data, err := json.Marshal(b.V)
		if err != nil {
			return nil, "", fmt.Errorf("gateway: encode JSON body: %w", err)
		}
		return data, contentTypeJSON, nil
	default:
		return []byte(fmt.Sprint(b)), "", nil
	}
}

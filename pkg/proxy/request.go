package proxy

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/openchami/oauth2bridge/pkg/errors"
)

// DefaultMaxBodyBytes bounds Capture when no limit is given
const DefaultMaxBodyBytes int64 = 10 << 20

const formContentType = "application/x-www-form-urlencoded"

// BufferedRequest is an inbound body read exactly once, so it can be both
// inspected locally and forwarded.
type BufferedRequest struct {
	body        []byte
	contentType string
	query       url.Values
	form        url.Values
}

// Capture reads the body of r into memory and replaces r.Body with a reader
// over the same bytes. Bodies larger than limit are rejected with 413.
func Capture(r *http.Request, limit int64) (*BufferedRequest, error) {
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}

	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, limit+1))
		_ = r.Body.Close()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidRequest, "failed to read request body")
		}
		if int64(len(body)) > limit {
			return nil, errors.New(errors.ErrCodeInvalidRequest, "request body too large").
				WithStatus(http.StatusRequestEntityTooLarge)
		}
	}

	b := &BufferedRequest{
		body:        body,
		contentType: r.Header.Get("Content-Type"),
		query:       r.URL.Query(),
	}
	if b.IsForm() {
		// An unparseable form still forwards as raw bytes.
		if form, err := url.ParseQuery(string(body)); err == nil {
			b.form = form
		}
	}

	r.Body = b.Reader()
	r.GetBody = func() (io.ReadCloser, error) { return b.Reader(), nil }
	r.ContentLength = int64(len(body))
	return b, nil
}

// Bytes returns the captured body. Callers must not modify it.
func (b *BufferedRequest) Bytes() []byte {
	return b.body
}

// Reader returns a fresh reader positioned at the start of the body
func (b *BufferedRequest) Reader() io.ReadCloser {
	if len(b.body) == 0 {
		return http.NoBody
	}
	return io.NopCloser(bytes.NewReader(b.body))
}

// ContentType is the Content-Type the body is forwarded with
func (b *BufferedRequest) ContentType() string {
	return b.contentType
}

// IsForm reports whether the body is application/x-www-form-urlencoded
func (b *BufferedRequest) IsForm() bool {
	mediaType, _, err := mime.ParseMediaType(b.contentType)
	return err == nil && mediaType == formContentType
}

// Form returns the parsed form body, or nil when the body is not a form
func (b *BufferedRequest) Form() url.Values {
	return b.form
}

// Param returns name from the query string, falling back to the form body
func (b *BufferedRequest) Param(name string) string {
	if v := b.query.Get(name); v != "" {
		return v
	}
	return b.form.Get(name)
}

// Params merges query and form values, query first
func (b *BufferedRequest) Params() url.Values {
	merged := url.Values{}
	for k, v := range b.form {
		merged[k] = append([]string(nil), v...)
	}
	for k, v := range b.query {
		merged[k] = append([]string(nil), v...)
	}
	return merged
}

// outboundBody is the body sent upstream: forms are re-encoded from their
// parsed values, anything else is sent as captured.
func (b *BufferedRequest) outboundBody() []byte {
	if b.form != nil {
		return []byte(b.form.Encode())
	}
	return b.body
}

package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jmgilman/go/errors"
)

// CodeCorruptRecord marks stored bytes that cannot be decoded back into a record.
const CodeCorruptRecord errors.ErrorCode = "CORRUPT_RECORD"

const (
	keyHeaderName        = "Cachezone-Key"
	createdHeaderName    = "Cachezone-Created-At"
	freshUntilHeaderName = "Cachezone-Fresh-Until"
	// Content-Length announced by the origin for a stored response without body (HEAD)
	lengthHeaderName = "Cachezone-Content-Length"
)

// hop-by-hop and framing headers, recomputed on delivery
var framingHeaders = []string{"Content-Length", "Transfer-Encoding", "Connection"}

// Record is a stored response together with the metadata needed to serve it.
type Record struct {
	Key        string
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock when the response was stored.
	CreatedAt time.Time
	// The response is fresh strictly before this instant.
	FreshUntil time.Time
}

// Marshal encodes the record as an HTTP/1.1 response message, with the
// metadata carried in extra header fields.
func Marshal(rec Record) ([]byte, error) {
	header := rec.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if length := header.Get("Content-Length"); length != "" && len(rec.Body) == 0 {
		header.Set(lengthHeaderName, length)
	}
	for _, name := range framingHeaders {
		header.Del(name)
	}
	header.Set(keyHeaderName, url.QueryEscape(rec.Key))
	header.Set(createdHeaderName, strconv.FormatInt(rec.CreatedAt.UnixNano(), 10))
	header.Set(freshUntilHeaderName, strconv.FormatInt(rec.FreshUntil.UnixNano(), 10))

	res := &http.Response{
		StatusCode:    rec.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(rec.Body)),
	}
	if len(rec.Body) > 0 {
		res.Body = io.NopCloser(bytes.NewReader(rec.Body))
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, errors.Wrap(err, CodeCorruptRecord, "could not encode record")
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal.
func Unmarshal(b []byte) (Record, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return Record{}, errors.Wrap(err, CodeCorruptRecord, "could not read stored response")
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Record{}, errors.Wrap(err, CodeCorruptRecord, "could not read stored body")
	}

	key, err := url.QueryUnescape(res.Header.Get(keyHeaderName))
	if err != nil {
		return Record{}, errors.Wrap(err, CodeCorruptRecord, "could not read stored key")
	}
	created, err := unixNanoHeader(res.Header, createdHeaderName)
	if err != nil {
		return Record{}, err
	}
	freshUntil, err := unixNanoHeader(res.Header, freshUntilHeaderName)
	if err != nil {
		return Record{}, err
	}
	length := res.Header.Get(lengthHeaderName)
	// delete extra headers
	res.Header.Del(keyHeaderName)
	res.Header.Del(createdHeaderName)
	res.Header.Del(freshUntilHeaderName)
	res.Header.Del(lengthHeaderName)
	for _, name := range framingHeaders {
		res.Header.Del(name)
	}
	if length != "" {
		res.Header.Set("Content-Length", length)
	}

	return Record{
		Key:        key,
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
		CreatedAt:  created,
		FreshUntil: freshUntil,
	}, nil
}

func unixNanoHeader(h http.Header, name string) (time.Time, error) {
	n, err := strconv.ParseInt(h.Get(name), 10, 64)
	if err != nil {
		return time.Time{}, errors.WithContext(
			errors.Wrap(err, CodeCorruptRecord, "could not read stored time"),
			"header", name)
	}
	return time.Unix(0, n), nil
}

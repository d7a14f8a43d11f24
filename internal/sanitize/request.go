package sanitize

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/keithlinneman/edgeguard/internal/apierr"
	"github.com/keithlinneman/edgeguard/internal/pathutil"
)

const DefaultMaxBodyBytes = 1 << 20

// Error is a rejection. Code is what the client sees, Err is for the log.
type Error struct {
	Code apierr.Code
	Err  error
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func reject(code apierr.Code, err error) *Error { return &Error{Code: code, Err: err} }

// StructuralHeaders have protocol syntax of their own, angle brackets in
// Link for one, or carry credentials that must reach verification byte for
// byte. Their values are forwarded as received.
var StructuralHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Authorization",
	"Cache-Control",
	"Content-Encoding",
	"Content-Length",
	"Content-Type",
	"Cookie",
	"If-Match",
	"If-Modified-Since",
	"If-None-Match",
	"Link",
	"Range",
}

// Sanitizer applies String to the parts of a request under its prefixes.
type Sanitizer struct {
	prefixes   *pathutil.Matcher
	structural map[string]bool
	maxBody    int64
	maxPasses  int
}

type Option func(*Sanitizer)

// WithPathPrefixes limits sanitizing to paths matching patterns. An empty
// list covers every path.
func WithPathPrefixes(patterns []string) Option {
	return func(s *Sanitizer) { s.prefixes = pathutil.NewMatcher(patterns) }
}

func WithMaxBodyBytes(n int64) Option {
	return func(s *Sanitizer) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

func WithMaxPasses(n int) Option {
	return func(s *Sanitizer) {
		if n > 0 {
			s.maxPasses = n
		}
	}
}

// WithStructuralHeaders replaces the headers whose values are left alone.
func WithStructuralHeaders(headers []string) Option {
	return func(s *Sanitizer) { s.structural = headerSet(headers) }
}

func headerSet(headers []string) map[string]bool {
	m := make(map[string]bool, len(headers))
	for _, h := range headers {
		m[http.CanonicalHeaderKey(strings.TrimSpace(h))] = true
	}
	return m
}

func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{
		prefixes:   pathutil.NewMatcher([]string{"/api/"}),
		structural: headerSet(StructuralHeaders),
		maxBody:    DefaultMaxBodyBytes,
		maxPasses:  DefaultMaxPasses,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Applies reports whether requests to path are sanitized.
func (s *Sanitizer) Applies(path string) bool {
	return s.prefixes.Empty() || s.prefixes.Match(path)
}

func (s *Sanitizer) str(v string) (string, error) { return fixedPoint(v, s.maxPasses) }

// Request returns a sanitized clone of r. r itself is never modified, and on
// error nothing should be forwarded. The returned *Error carries the code.
func (s *Sanitizer) Request(r *http.Request) (*http.Request, error) {
	if pathutil.HasDotSegments(r.URL.Path) {
		return nil, reject(apierr.InvalidRequest, errors.New("dot segment in path"))
	}

	out := r.Clone(r.Context())

	if out.URL.RawQuery != "" {
		q, err := s.encoded(out.URL.RawQuery)
		if err != nil {
			return nil, err
		}
		out.URL.RawQuery = q
	}

	for k, vs := range out.Header {
		if s.structural[k] {
			continue
		}
		for i, v := range vs {
			clean, err := s.str(v)
			if err != nil {
				return nil, reject(apierr.InvalidInput, err)
			}
			vs[i] = clean
		}
		out.Header[k] = vs
	}

	if out.Body == nil || out.Body == http.NoBody {
		return out, nil
	}
	switch mediaType(out.Header.Get("Content-Type")) {
	case "application/x-www-form-urlencoded":
		raw, err := s.readBody(out)
		if err != nil {
			return nil, err
		}
		clean, err := s.encoded(string(raw))
		if err != nil {
			return nil, err
		}
		setBody(out, []byte(clean))
	default:
		if isJSON(out.Header.Get("Content-Type")) {
			if err := s.body(out); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// encoded sanitizes every value of a urlencoded query or form. The input is
// returned unchanged when nothing needed cleaning.
func (s *Sanitizer) encoded(raw string) (string, error) {
	if raw == "" {
		return raw, nil
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return "", reject(apierr.InvalidRequest, err)
	}
	changed := false
	for k, vs := range q {
		for i, v := range vs {
			clean, err := s.str(v)
			if err != nil {
				return "", reject(apierr.InvalidInput, err)
			}
			if clean != v {
				vs[i] = clean
				changed = true
			}
		}
		q[k] = vs
	}
	if !changed {
		return raw, nil
	}
	return q.Encode(), nil
}

func mediaType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return mt
}

func isJSON(ct string) bool {
	mt := mediaType(ct)
	return mt == "application/json" || (strings.HasPrefix(mt, "application/") && strings.HasSuffix(mt, "+json"))
}

func (s *Sanitizer) readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody+1))
	_ = r.Body.Close()
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, reject(apierr.RequestTooLarge, err)
		}
		return nil, reject(apierr.InvalidRequest, err)
	}
	if int64(len(raw)) > s.maxBody {
		return nil, reject(apierr.RequestTooLarge, errors.New("body exceeds "+strconv.FormatInt(s.maxBody, 10)+" bytes"))
	}
	return raw, nil
}

func (s *Sanitizer) body(r *http.Request) error {
	raw, err := s.readBody(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		setBody(r, raw)
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return reject(apierr.InvalidInput, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return reject(apierr.InvalidInput, errors.New("trailing data after json value"))
	}

	clean, err := s.value(doc)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(clean); err != nil {
		return reject(apierr.Internal, err)
	}
	setBody(r, bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return nil
}

// value walks a decoded JSON document, sanitizing object keys and strings.
func (s *Sanitizer) value(v any) (any, error) {
	switch t := v.(type) {
	case string:
		c, err := s.str(t)
		if err != nil {
			return nil, reject(apierr.InvalidInput, err)
		}
		return c, nil
	case []any:
		for i := range t {
			c, err := s.value(t[i])
			if err != nil {
				return nil, err
			}
			t[i] = c
		}
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			ck, err := s.str(k)
			if err != nil {
				return nil, reject(apierr.InvalidInput, err)
			}
			if _, dup := out[ck]; dup {
				return nil, reject(apierr.InvalidInput, errors.New("object keys collide after sanitizing"))
			}
			cv, err := s.value(child)
			if err != nil {
				return nil, err
			}
			out[ck] = cv
		}
		return out, nil
	default:
		// json.Number, bool, nil
		return v, nil
	}
}

func setBody(r *http.Request, b []byte) {
	r.Body = io.NopCloser(bytes.NewReader(b))
	r.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(b)), nil }
	r.ContentLength = int64(len(b))
	r.Header.Set("Content-Length", strconv.Itoa(len(b)))
}

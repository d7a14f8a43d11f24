// Package secheaders composes the security response headers and checks
// outgoing headers against a rule table before the status line goes out.
package secheaders

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/keithlinneman/edgeguard/internal/xerrors"
)

const (
	HeaderCSP               = "Content-Security-Policy"
	HeaderNonce             = "X-Nonce"
	HeaderContentTypeOpts   = "X-Content-Type-Options"
	HeaderFrameOptions      = "X-Frame-Options"
	HeaderReferrerPolicy    = "Referrer-Policy"
	HeaderHSTS              = "Strict-Transport-Security"
	HeaderPermissionsPolicy = "Permissions-Policy"
	HeaderCOOP              = "Cross-Origin-Opener-Policy"
	HeaderCOEP              = "Cross-Origin-Embedder-Policy"
	HeaderCORP              = "Cross-Origin-Resource-Policy"
	HeaderCrossDomain       = "X-Permitted-Cross-Domain-Policies"

	defaultHSTSMaxAge        = 31536000
	defaultPermissionsPolicy = "accelerometer=(), camera=(), geolocation=(), gyroscope=(), magnetometer=(), microphone=(), payment=(), usb=()"
)

// Overrides adjusts the built-in policy. It is loaded from a JSON document at
// startup; every field is optional.
type Overrides struct {
	// CSP adds sources to directives, e.g. {"img-src": ["https://cdn.example.com"]}.
	// Unknown directives are appended after the built-in ones.
	CSP            map[string][]string `json:"csp,omitempty"`
	ReportURI      string              `json:"report_uri,omitempty"`
	FrameOptions   string              `json:"frame_options,omitempty"`
	ReferrerPolicy string              `json:"referrer_policy,omitempty"`
	// HSTSMaxAge in seconds, production only.
	HSTSMaxAge        int    `json:"hsts_max_age,omitempty"`
	HSTSPreload       *bool  `json:"hsts_preload,omitempty"`
	PermissionsPolicy string `json:"permissions_policy,omitempty"`
	// InternalHeaders lists X-Internal-/X-Debug- headers allowed to leave.
	InternalHeaders []string `json:"internal_headers,omitempty"`
}

type directive struct {
	name    string
	sources []string
	// nonce marks directives that get 'nonce-<n>' when a nonce is present
	nonce bool
}

// Composer writes the security headers for one response.
type Composer struct {
	production bool
	directives []directive
	static     http.Header
}

// NewComposer builds the header set for the environment with ov applied.
func NewComposer(production bool, ov Overrides) (*Composer, error) {
	ds := []directive{
		{name: "default-src", sources: []string{"'self'"}},
		{name: "script-src", sources: []string{"'self'"}, nonce: true},
		{name: "style-src", sources: []string{"'self'"}, nonce: true},
		{name: "img-src", sources: []string{"'self'", "data:"}},
		{name: "font-src", sources: []string{"'self'"}},
		{name: "connect-src", sources: []string{"'self'"}},
		{name: "object-src", sources: []string{"'none'"}},
		{name: "base-uri", sources: []string{"'self'"}},
		{name: "form-action", sources: []string{"'self'"}},
		{name: "frame-ancestors", sources: []string{"'none'"}},
	}
	if !production {
		// dev servers eval modules and hot-reload over websockets
		ds[1].sources = append(ds[1].sources, "'unsafe-eval'")
		ds[5].sources = append(ds[5].sources, "ws:", "wss:")
	}

	names := make([]string, 0, len(ov.CSP))
	for name := range ov.CSP {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		srcs := ov.CSP[name]
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || strings.ContainsAny(name, "; ") {
			return nil, xerrors.Newf("invalid csp directive name %q", name)
		}
		for _, s := range srcs {
			if strings.ContainsAny(s, ";,") || strings.TrimSpace(s) == "" {
				return nil, xerrors.Newf("invalid csp source %q for %s", s, name)
			}
		}
		i := slices.IndexFunc(ds, func(d directive) bool { return d.name == name })
		if i < 0 {
			ds = append(ds, directive{name: name, sources: slices.Clone(srcs)})
			continue
		}
		for _, s := range srcs {
			if !slices.Contains(ds[i].sources, s) {
				ds[i].sources = append(ds[i].sources, s)
			}
		}
	}
	if ov.ReportURI != "" {
		ds = append(ds, directive{name: "report-uri", sources: []string{ov.ReportURI}})
	}
	if production {
		ds = append(ds, directive{name: "upgrade-insecure-requests"})
	}

	static := http.Header{}
	static.Set(HeaderContentTypeOpts, "nosniff")
	static.Set(HeaderFrameOptions, orDefault(ov.FrameOptions, "DENY"))
	static.Set(HeaderReferrerPolicy, orDefault(ov.ReferrerPolicy, "strict-origin-when-cross-origin"))
	if production {
		maxAge := ov.HSTSMaxAge
		if maxAge <= 0 {
			maxAge = defaultHSTSMaxAge
		}
		hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains"
		if ov.HSTSPreload == nil || *ov.HSTSPreload {
			hsts += "; preload"
		}
		static.Set(HeaderHSTS, hsts)
		static.Set(HeaderPermissionsPolicy, orDefault(ov.PermissionsPolicy, defaultPermissionsPolicy))
		static.Set(HeaderCOOP, "same-origin")
		static.Set(HeaderCOEP, "require-corp")
		static.Set(HeaderCORP, "same-origin")
		static.Set(HeaderCrossDomain, "none")
	}

	return &Composer{production: production, directives: ds, static: static}, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

// Production reports which environment the composer was built for.
func (c *Composer) Production() bool { return c.production }

// CSP renders the policy. An empty nonce leaves the nonce source out.
func (c *Composer) CSP(nonce string) string {
	var b strings.Builder
	for i, d := range c.directives {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(d.name)
		for _, s := range d.sources {
			b.WriteByte(' ')
			b.WriteString(s)
		}
		if d.nonce && nonce != "" {
			b.WriteString(" 'nonce-")
			b.WriteString(nonce)
			b.WriteByte('\'')
		}
	}
	return b.String()
}

// Apply sets every security header on h, replacing upstream values.
func (c *Composer) Apply(h http.Header, nonce string) {
	for k, vs := range c.static {
		h[k] = slices.Clone(vs)
	}
	h.Set(HeaderCSP, c.CSP(nonce))
	if nonce != "" {
		h.Set(HeaderNonce, nonce)
	} else {
		h.Del(HeaderNonce)
	}
}

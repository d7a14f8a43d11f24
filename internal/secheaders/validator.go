package secheaders

import (
	"context"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/edgeguard/internal/log"
)

// DefaultCacheSize bounds the per-value result cache.
const DefaultCacheSize = 1024

// DefaultNonceTimeout matches the pipeline's default stage deadline.
const DefaultNonceTimeout = 250 * time.Millisecond

// reserved prefixes stripped from responses unless explicitly recognized
var reservedPrefixes = []string{"X-Internal-", "X-Debug-"}

// Rule constrains one response header.
type Rule struct {
	Header   string
	Required bool
	// Pattern, when set, must match the whole value.
	Pattern *regexp.Regexp
	// Allowed, when set, lists the accepted values (case-insensitive).
	Allowed []string
}

func (r Rule) check(v string) string {
	if r.Pattern != nil && !r.Pattern.MatchString(v) {
		return "value does not match pattern"
	}
	if len(r.Allowed) > 0 && !slices.ContainsFunc(r.Allowed, func(a string) bool { return strings.EqualFold(a, v) }) {
		return "value not allowed"
	}
	return ""
}

// Violation is one failed check.
type Violation struct {
	Header string
	Reason string
}

// NonceChecker is satisfied by *nonce.Registry.
type NonceChecker interface {
	Validate(ctx context.Context, nonce string) bool
}

var (
	nonceInCSP  = regexp.MustCompile(`'nonce-([A-Za-z0-9+/=]+)'`)
	cspRequired = []string{"default-src", "script-src", "object-src", "frame-ancestors"}
)

// DefaultRules is the rule table for the environment.
func DefaultRules(production bool) []Rule {
	rules := []Rule{
		{Header: HeaderCSP, Required: true},
		{Header: HeaderContentTypeOpts, Required: true, Allowed: []string{"nosniff"}},
		{Header: HeaderFrameOptions, Required: true, Allowed: []string{"DENY", "SAMEORIGIN"}},
		{Header: HeaderReferrerPolicy, Required: true, Allowed: []string{
			"no-referrer", "no-referrer-when-downgrade", "origin", "origin-when-cross-origin",
			"same-origin", "strict-origin", "strict-origin-when-cross-origin",
		}},
		{Header: HeaderNonce, Pattern: regexp.MustCompile(`^[A-Za-z0-9+/]{22}==$`)},
		{Header: HeaderHSTS, Required: production, Pattern: regexp.MustCompile(`^max-age=\d+(; ?includeSubDomains)?(; ?preload)?$`)},
		{Header: HeaderPermissionsPolicy, Required: production, Pattern: regexp.MustCompile(`^[a-z-]+=\([^)]*\)(, ?[a-z-]+=\([^)]*\))*$`)},
		{Header: HeaderCOOP, Required: production, Allowed: []string{"same-origin", "same-origin-allow-popups", "unsafe-none"}},
		{Header: HeaderCOEP, Required: production, Allowed: []string{"require-corp", "credentialless", "unsafe-none"}},
		{Header: HeaderCORP, Required: production, Allowed: []string{"same-origin", "same-site", "cross-origin"}},
	}
	return rules
}

// Validator checks outgoing headers. It never blocks a response: violations
// are logged (throttled) and reported through the OnViolation hook.
type Validator struct {
	rules        []Rule
	nonces       NonceChecker
	nonceTimeout time.Duration
	recognized   map[string]bool
	cache        *lru.Cache[string, string]
	logger       log.Logger
	logEvery     rate.Sometimes

	// OnViolation is called for every violation, used for prometheus counters
	OnViolation func(header, reason string)
	// OnStripped is called for every reserved header removed
	OnStripped func(header string)
}

type ValidatorOption func(*Validator)

func WithRules(rules []Rule) ValidatorOption {
	return func(v *Validator) { v.rules = rules }
}

// WithNonceChecker enables the CSP nonce check.
func WithNonceChecker(n NonceChecker) ValidatorOption {
	return func(v *Validator) { v.nonces = n }
}

// WithNonceTimeout bounds the nonce store lookup. Non-positive keeps the
// default.
func WithNonceTimeout(d time.Duration) ValidatorOption {
	return func(v *Validator) {
		if d > 0 {
			v.nonceTimeout = d
		}
	}
}

// WithRecognized allows reserved-prefix headers to pass.
func WithRecognized(headers []string) ValidatorOption {
	return func(v *Validator) {
		for _, h := range headers {
			v.recognized[http.CanonicalHeaderKey(strings.TrimSpace(h))] = true
		}
	}
}

func WithValidatorLogger(l log.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l }
}

// WithLogInterval limits violation logs to one per interval.
func WithLogInterval(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.logEvery = rate.Sometimes{First: 1, Interval: d} }
}

func WithOnViolation(fn func(header, reason string)) ValidatorOption {
	return func(v *Validator) { v.OnViolation = fn }
}

func WithOnStripped(fn func(header string)) ValidatorOption {
	return func(v *Validator) { v.OnStripped = fn }
}

// WithCacheSize bounds the result cache.
func WithCacheSize(n int) ValidatorOption {
	return func(v *Validator) {
		if c, err := lru.New[string, string](n); err == nil {
			v.cache = c
		}
	}
}

func NewValidator(production bool, opts ...ValidatorOption) *Validator {
	c, _ := lru.New[string, string](DefaultCacheSize)
	v := &Validator{
		rules:        DefaultRules(production),
		nonceTimeout: DefaultNonceTimeout,
		recognized:   make(map[string]bool),
		cache:        c,
		logger:       log.Nop(),
		logEvery:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate strips unrecognized reserved headers from h, then checks the rule
// table and the CSP nonce.
func (v *Validator) Validate(ctx context.Context, h http.Header) []Violation {
	for k := range h {
		if v.reserved(k) && !v.recognized[k] {
			h.Del(k)
			if v.OnStripped != nil {
				v.OnStripped(k)
			}
		}
	}

	var out []Violation
	for _, r := range v.rules {
		val := h.Get(r.Header)
		if val == "" {
			if r.Required {
				out = append(out, Violation{Header: r.Header, Reason: "missing"})
			}
			continue
		}
		if reason := v.cached(r, val); reason != "" {
			out = append(out, Violation{Header: r.Header, Reason: reason})
		}
	}
	out = append(out, v.checkNonce(ctx, h)...)

	for _, vi := range out {
		if v.OnViolation != nil {
			v.OnViolation(vi.Header, vi.Reason)
		}
	}
	if len(out) > 0 {
		v.logEvery.Do(func() {
			v.logger.Warn(ctx, "security header validation failed",
				"header", out[0].Header, "reason", out[0].Reason, "violations", len(out))
		})
	}
	return out
}

func (v *Validator) reserved(k string) bool {
	for _, p := range reservedPrefixes {
		if len(k) >= len(p) && strings.EqualFold(k[:len(p)], p) {
			return true
		}
	}
	return false
}

// cached runs a rule check, memoizing by header and value. CSP values carry a
// per-response nonce, so the nonce is blanked out of the key and checked
// separately.
func (v *Validator) cached(r Rule, val string) string {
	key := r.Header + "\x00" + val
	check := func() string { return r.check(val) }
	switch r.Header {
	case HeaderCSP:
		shape := nonceInCSP.ReplaceAllString(val, "'nonce-'")
		key = r.Header + "\x00" + shape
		check = func() string {
			if reason := r.check(val); reason != "" {
				return reason
			}
			return cspShape(shape)
		}
	case HeaderNonce:
		// unique per response, caching would only churn the cache
		return check()
	}
	if reason, ok := v.cache.Get(key); ok {
		return reason
	}
	reason := check()
	v.cache.Add(key, reason)
	return reason
}

func cspShape(csp string) string {
	seen := make(map[string]string)
	for _, part := range strings.Split(csp, ";") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		seen[strings.ToLower(fields[0])] = strings.Join(fields[1:], " ")
	}
	for _, d := range cspRequired {
		if _, ok := seen[d]; !ok {
			return "missing directive " + d
		}
	}
	if seen["object-src"] != "'none'" {
		return "object-src must be 'none'"
	}
	for _, d := range []string{"script-src", "default-src"} {
		if strings.Contains(seen[d], "'unsafe-inline'") && !strings.Contains(seen[d], "'nonce-") {
			return d + " allows unsafe-inline"
		}
	}
	return ""
}

func (v *Validator) checkNonce(ctx context.Context, h http.Header) []Violation {
	csp := h.Get(HeaderCSP)
	hdr := h.Get(HeaderNonce)
	var inCSP string
	if m := nonceInCSP.FindStringSubmatch(csp); m != nil {
		inCSP = m[1]
	}
	switch {
	case inCSP == "" && hdr == "":
		return nil
	case inCSP != hdr:
		return []Violation{{Header: HeaderNonce, Reason: "nonce header does not match csp"}}
	case v.nonces != nil && !v.validNonce(ctx, inCSP):
		return []Violation{{Header: HeaderCSP, Reason: "nonce not issued or expired"}}
	}
	return nil
}

func (v *Validator) validNonce(ctx context.Context, n string) bool {
	ctx, cancel := context.WithTimeout(ctx, v.nonceTimeout)
	defer cancel()
	return v.nonces.Validate(ctx, n)
}

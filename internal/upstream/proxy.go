// Package upstream forwards requests that cleared the pipeline to the single
// application backend.
package upstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/edgeguard/internal/apierr"
	"github.com/keithlinneman/edgeguard/internal/log"
	"github.com/keithlinneman/edgeguard/internal/xerrors"
)

const DefaultResponseHeaderTimeout = 30 * time.Second

// DefaultStripHeaders are identity headers other proxies trust; only the
// identity middleware may set identity on the way upstream.
var DefaultStripHeaders = []string{
	"X-Forwarded-User",
	"X-Forwarded-Email",
	"X-Remote-User",
	"X-Auth-Request-User",
	"X-Auth-Request-Email",
}

type Options struct {
	Target *url.URL
	// Transport overrides the default otelhttp-instrumented transport.
	Transport             http.RoundTripper
	ResponseHeaderTimeout time.Duration
	StripHeaders          []string
	Logger                log.Logger
	// OnError is called for every failed upstream round trip.
	OnError func()
}

type Proxy struct {
	rp     *httputil.ReverseProxy
	target *url.URL
}

func New(opts Options) (*Proxy, error) {
	if opts.Target == nil || opts.Target.Scheme == "" || opts.Target.Host == "" {
		return nil, xerrors.New("upstream target must be an absolute URL")
	}
	if opts.Target.Scheme != "http" && opts.Target.Scheme != "https" {
		return nil, xerrors.Newf("upstream scheme %q not supported", opts.Target.Scheme)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.StripHeaders == nil {
		opts.StripHeaders = DefaultStripHeaders
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}
	rt := opts.Transport
	if rt == nil {
		rt = newTransport(opts.ResponseHeaderTimeout)
	}

	target := opts.Target
	strip := opts.StripHeaders
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			for _, h := range strip {
				pr.Out.Header.Del(h)
			}
		},
		Transport: rt,
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Del("X-Powered-By")
			resp.Header.Del("Server")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			ctx := r.Context()
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				// client went away; nobody is listening for the answer
				log.FromContext(ctx).Debug(ctx, "upstream request canceled by client")
				return
			}
			if opts.OnError != nil {
				opts.OnError()
			}
			opts.Logger.Error(ctx, xerrors.Wrap(err, "upstream round trip"), "upstream unreachable",
				"upstream", target.Host, "url.path", r.URL.Path)
			apierr.Write(w, apierr.BadGateway, "")
		},
	}
	return &Proxy{rp: rp, target: target}, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) { p.rp.ServeHTTP(w, r) }

// Target is the upstream base URL.
func (p *Proxy) Target() *url.URL { return p.target }

func newTransport(headerTimeout time.Duration) http.RoundTripper {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: time.Second,
	}
	return otelhttp.NewTransport(base,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "upstream " + r.Method
		}),
	)
}

package main

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/edgeguard/internal/cfg"
	"github.com/keithlinneman/edgeguard/internal/csrf"
	"github.com/keithlinneman/edgeguard/internal/httpserver"
	"github.com/keithlinneman/edgeguard/internal/identity"
	"github.com/keithlinneman/edgeguard/internal/log"
	"github.com/keithlinneman/edgeguard/internal/metrics"
	"github.com/keithlinneman/edgeguard/internal/nonce"
	"github.com/keithlinneman/edgeguard/internal/pathutil"
	"github.com/keithlinneman/edgeguard/internal/pipeline"
	"github.com/keithlinneman/edgeguard/internal/policysrc"
	"github.com/keithlinneman/edgeguard/internal/ratelimit"
	"github.com/keithlinneman/edgeguard/internal/sanitize"
	"github.com/keithlinneman/edgeguard/internal/secheaders"
	"github.com/keithlinneman/edgeguard/internal/secrets"
	"github.com/keithlinneman/edgeguard/internal/upstream"
	"github.com/keithlinneman/edgeguard/internal/xerrors"
)

// guard holds everything the public handler needs. Each component is built
// once here and injected.
type guard struct {
	orch     *pipeline.Orchestrator
	identity func(http.Handler) http.Handler
	proxy    *upstream.Proxy
	rdb      redis.UniversalClient
	cancel   context.CancelFunc
}

func (g *guard) close() {
	g.cancel()
	if g.rdb != nil {
		_ = g.rdb.Close()
		g.rdb = nil
	}
}

func buildGuard(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics, tp trace.TracerProvider) (*guard, error) {
	prod := conf.Production()
	// background sweeps outlive the signal context until close()
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g := &guard{cancel: cancel}
	fail := func(err error) (*guard, error) {
		g.close()
		return nil, err
	}

	secretSrc := secrets.Source{
		Literal:       conf.CSRFSecret,
		SSMParam:      conf.CSRFSecretSSMParam,
		KMSCiphertext: conf.CSRFSecretKMSCiphertext,
	}
	var awsCfg *aws.Config
	if secretSrc.NeedsAWS() || policysrc.IsS3(conf.HeaderPolicySource) {
		c, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return fail(xerrors.Wrap(err, "load aws config"))
		}
		awsCfg = &c
	}

	resolver := &secrets.Resolver{
		Logger:         L,
		AllowEphemeral: !prod,
		MinBytes:       csrf.MinKeyBytes,
	}
	if awsCfg != nil {
		resolver.SSM = ssm.NewFromConfig(*awsCfg)
		resolver.KMS = kms.NewFromConfig(*awsCfg)
	}
	csrfKey, err := resolver.Resolve(ctx, "csrf", secretSrc)
	if err != nil {
		return fail(err)
	}
	sameSite, err := csrf.ParseSameSite(conf.CSRFSameSite)
	if err != nil {
		return fail(err)
	}
	csrfMgr, err := csrf.NewManager(csrfKey, csrf.Config{
		Expiry:     conf.CSRFExpiry(),
		CookieName: conf.CSRFCookieName,
		HeaderName: conf.CSRFHeaderName,
		CookiePath: "/",
		HTTPOnly:   conf.CSRFHTTPOnly,
		Secure:     conf.CSRFSecure,
		SameSite:   sameSite,
	})
	if err != nil {
		return fail(err)
	}

	var (
		limitStore ratelimit.Store = ratelimit.NewMemoryStore()
		nonceStore nonce.Store     = nonce.NewMemoryStore()
	)
	if conf.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
			// a command never outlives the stage deadline by much
			ReadTimeout:  conf.StageTimeout(),
			WriteTimeout: conf.StageTimeout(),
		})
		g.rdb = rdb
		m.RegisterRedisPool(rdb.PoolStats)

		pctx, pcancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pctx).Err(); err != nil {
			// readiness stays red until redis answers; requests fail closed meanwhile
			L.Error(ctx, err, "redis ping failed at startup", "addr", conf.RedisAddr)
		}
		pcancel()

		limitStore = ratelimit.NewRedisStore(rdb, conf.RedisKeyPrefix)
		nonceStore = nonce.NewRedisStore(rdb, conf.RedisKeyPrefix)
	}

	limiter := ratelimit.New(limitStore,
		ratelimit.WithLimit(conf.RateLimitWindow(), conf.RateLimitMaxRequests),
		ratelimit.WithCleanupChance(conf.RateLimitCleanupChance),
		ratelimit.WithLogger(L.With("component", "ratelimit")),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
	)

	nonces := nonce.New(bg, nonceStore,
		nonce.WithLifetime(conf.NonceLifetime()),
		nonce.WithSweepInterval(conf.NonceSweepInterval()),
		nonce.WithLogger(L.With("component", "nonce")),
		nonce.WithOnIssue(m.IncNonceIssued),
		nonce.WithOnValidate(m.IncNonceValidation),
	)

	var s3Client policysrc.ObjectGetter
	if awsCfg != nil {
		s3Client = s3.NewFromConfig(*awsCfg)
	}
	overrides, err := policysrc.Load(ctx, conf.HeaderPolicySource, s3Client)
	if err != nil {
		return fail(err)
	}
	composer, err := secheaders.NewComposer(prod, overrides)
	if err != nil {
		return fail(err)
	}
	validator := secheaders.NewValidator(prod,
		secheaders.WithNonceChecker(nonces),
		secheaders.WithNonceTimeout(conf.StageTimeout()),
		secheaders.WithValidatorLogger(L.With("component", "secheaders")),
		secheaders.WithOnViolation(func(header, _ string) { m.IncHeaderViolation(header) }),
		secheaders.WithOnStripped(m.IncHeaderStripped),
	)

	g.orch = pipeline.New(pipeline.Components{
		Sanitizer: sanitize.New(
			sanitize.WithPathPrefixes(pathutil.SplitList(conf.SanitizePathPrefixes)),
			sanitize.WithMaxBodyBytes(conf.MaxBodyBytes),
		),
		Limiter: limiter,
		CSRF:    csrfMgr,
		Nonces:  nonces,
		Headers: secheaders.NewEnforcer(composer, validator),
	},
		pipeline.WithExcludedPaths(append(pathutil.SplitList(conf.ExcludedPaths), httpserver.ProbePaths...)),
		pipeline.WithStageTimeout(conf.StageTimeout()),
		pipeline.WithLogger(L.With("component", "pipeline")),
		pipeline.WithRecorder(m),
		pipeline.WithTracerProvider(tp),
	)

	if conf.SessionJWTSecret != "" {
		provider, err := identity.NewJWTProvider([]byte(conf.SessionJWTSecret),
			identity.WithCookieName(conf.SessionCookieName))
		if err != nil {
			return fail(err)
		}
		g.identity = identity.Middleware(provider, identity.MiddlewareOptions{
			Protected: pathutil.SplitList(conf.ProtectedPathPrefixes),
			SignInURL: conf.SignInURL,
			Logger:    L.With("component", "identity"),
		})
	}

	target, err := url.Parse(conf.UpstreamURL)
	if err != nil {
		return fail(xerrors.Wrap(err, "parse upstream url"))
	}
	g.proxy, err = upstream.New(upstream.Options{
		Target:  target,
		Logger:  L.With("component", "upstream"),
		OnError: m.IncUpstreamError,
	})
	if err != nil {
		return fail(err)
	}

	L.Info(ctx, "request pipeline ready",
		"store", storeKind(conf),
		"production", prod,
		"excluded_paths", conf.ExcludedPaths,
		"csrf_expiry", conf.CSRFExpiry(),
		"rate_limit_window", conf.RateLimitWindow(),
		"rate_limit_max", conf.RateLimitMaxRequests,
		"nonce_lifetime", conf.NonceLifetime(),
	)
	return g, nil
}

func storeKind(conf cfg.App) string {
	if conf.RedisAddr != "" {
		return "redis"
	}
	return "memory"
}

// Package prof runs the continuous profiler. Profiles are tagged with the
// deployment environment so pipeline hot spots can be compared across
// development and production.
package prof

import (
	"context"
	"fmt"
	"maps"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/edgeguard/internal/log"
	"github.com/keithlinneman/edgeguard/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Environment   string
	Version       string
	Tags          map[string]string
	// MutexProfileFraction and BlockProfileRate are applied process-wide.
	MutexProfileFraction int
	BlockProfileRate     int
}

// Start launches the profiler and returns an idempotent stop func. Errors
// are returned and logged; callers treat profiling as optional.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	if opts.ServerAddress == "" {
		err := xerrors.New("pyroscope server address is empty")
		L.Error(ctx, err, "pyroscope options")
		return noop, err
	}
	if opts.AppName == "" {
		opts.AppName = "edgeguard"
	}

	if opts.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(opts.MutexProfileFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            tags(opts),
		Logger:          logAdapter{ctx: ctx, l: L.With("component", "pyroscope")},
		ProfileTypes:    profileTypes(opts),
	})
	if err != nil {
		err = xerrors.Wrap(err, "pyroscope start")
		L.Error(ctx, err, "pyroscope start failed", "server_address", opts.ServerAddress)
		return noop, err
	}

	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = profiler.Stop()
			L.Info(context.Background(), "pyroscope stopped", "app_name", opts.AppName)
		})
	}, nil
}

// tags merges the caller's tags with env and version; explicit tags win.
func tags(opts Options) map[string]string {
	out := make(map[string]string, len(opts.Tags)+2)
	if opts.Environment != "" {
		out["env"] = opts.Environment
	}
	if opts.Version != "" {
		out["version"] = opts.Version
	}
	maps.Copy(out, opts.Tags)
	return out
}

// profileTypes only asks for mutex and block profiles when their sampling
// is switched on; otherwise they would always be empty.
func profileTypes(opts Options) []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if opts.MutexProfileFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

// logAdapter routes the profiler's printf logging into the structured logger.
type logAdapter struct {
	ctx context.Context
	l   log.Logger
}

func (a logAdapter) Infof(format string, args ...any)  { a.l.Debug(a.ctx, fmt.Sprintf(format, args...)) }
func (a logAdapter) Debugf(format string, args ...any) { a.l.Debug(a.ctx, fmt.Sprintf(format, args...)) }
func (a logAdapter) Errorf(format string, args ...any) {
	a.l.Error(a.ctx, xerrors.Newf(format, args...), "pyroscope")
}

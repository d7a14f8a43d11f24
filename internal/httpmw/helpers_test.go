package httpmw

import (
	"context"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/edgeguard/internal/log"
)

// spyLogger records Info and Error calls. With merges fields into the
// recorded entries so tests can assert on enrichment.
type spyLogger struct {
	log.Logger
	mu      *sync.Mutex
	fields  []any
	entries *[]spyEntry
}

type spyEntry struct {
	level string
	msg   string
	err   error
	kv    []any
}

func newSpyLogger() *spyLogger {
	return &spyLogger{Logger: log.Nop(), mu: &sync.Mutex{}, entries: &[]spyEntry{}}
}

func (s *spyLogger) With(kv ...any) log.Logger {
	f := append(append([]any{}, s.fields...), kv...)
	return &spyLogger{Logger: s.Logger, mu: s.mu, fields: f, entries: s.entries}
}

func (s *spyLogger) record(level, msg string, err error, kv []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append(append([]any{}, s.fields...), kv...)
	*s.entries = append(*s.entries, spyEntry{level: level, msg: msg, err: err, kv: all})
}

func (s *spyLogger) Info(_ context.Context, msg string, kv ...any) { s.record("info", msg, nil, kv) }
func (s *spyLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	s.record("error", msg, err, kv)
}

func (s *spyLogger) all() []spyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spyEntry(nil), *s.entries...)
}

func (e spyEntry) field(key string) (any, bool) {
	for i := 0; i+1 < len(e.kv); i += 2 {
		if k, _ := e.kv[i].(string); k == key {
			return e.kv[i+1], true
		}
	}
	return nil, false
}

// recordingContext returns a context holding a live recording span.
func recordingContext(t *testing.T) (context.Context, trace.Span, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "initial")
	return ctx, span, sr
}

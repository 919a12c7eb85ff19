package sandbox

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seconds(v float64) *float64 { return &v }

func run(t *testing.T, code string) *Result {
	t.Helper()
	return NewRunner(Options{}).Run(context.Background(), Request{Code: code, Timeout: seconds(5)})
}

func TestClampTimeout(t *testing.T) {
	assert.Equal(t, 120*time.Second, ClampTimeout(999))
	assert.Equal(t, time.Second, ClampTimeout(0))
	assert.Equal(t, time.Second, ClampTimeout(-3))
	assert.Equal(t, 2500*time.Millisecond, ClampTimeout(2.5))

	r := NewRunner(Options{})
	assert.Equal(t, 30*time.Second, r.EffectiveTimeout(Request{}))
	assert.Equal(t, 120*time.Second, r.EffectiveTimeout(Request{Timeout: seconds(999)}))
}

func TestRun_ReturnsValue(t *testing.T) {
	res := run(t, "const xs = [1, 2, 3]; return { total: xs.reduce((a, b) => a + b, 0), name: 'ok' };")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"total": 6.0, "name": "ok"}, res.Result)
	assert.NotNil(t, res.Logs)
	assert.Empty(t, res.Logs)
}

func TestRun_AwaitsPromises(t *testing.T) {
	res := run(t, "const v = await Promise.resolve(21); return v * 2;")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 42.0, res.Result)
}

func TestRun_NoReturnValue(t *testing.T) {
	res := run(t, "const x = 1;")
	require.True(t, res.Success, res.Error)
	assert.Nil(t, res.Result)
}

func TestRun_BigIntBecomesString(t *testing.T) {
	res := run(t, "return 1n + 2n;")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "3", res.Result)

	res = run(t, "return { big: 10n ** 20n, small: 1 };")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"big": "100000000000000000000", "small": 1.0}, res.Result)
}

func TestRun_InfiniteLoopTimesOut(t *testing.T) {
	start := time.Now()
	res := NewRunner(Options{}).Run(context.Background(), Request{Code: "console.log('spin'); while (true) {}", Timeout: seconds(1)})
	elapsed := time.Since(start)

	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeTimeout, res.Code)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, elapsed, 5*time.Second)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, []any{"spin"}, res.Logs[0].Args)
}

func TestRun_ZeroTimeoutIsClampedAndEnforced(t *testing.T) {
	start := time.Now()
	res := NewRunner(Options{}).Run(context.Background(), Request{Code: "while (true) {}", Timeout: seconds(0)})
	elapsed := time.Since(start)

	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeTimeout, res.Code)
	assert.Contains(t, res.Error, "timed out after 1s")
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestRun_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res := NewRunner(Options{}).Run(ctx, Request{Code: "while (true) {}", Timeout: seconds(10)})
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeCancelled, res.Code)
}

func TestRun_LogsKeptOnThrow(t *testing.T) {
	res := run(t, `
console.log('step', 1, { a: true });
console.warn('careful');
throw new Error('kaboom');`)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeStepFailed, res.Code)
	assert.Equal(t, "Error: kaboom", res.Error)
	require.Len(t, res.Logs, 2)
	assert.Equal(t, LogEntry{Level: "log", Args: []any{"step", int64(1), map[string]any{"a": true}}}, res.Logs[0])
	assert.Equal(t, "warn", res.Logs[1].Level)
}

func TestRun_RejectedPromise(t *testing.T) {
	res := run(t, "await Promise.reject(new TypeError('nope'));")
	assert.False(t, res.Success)
	assert.Equal(t, "TypeError: nope", res.Error)

	res = run(t, "throw 'plain';")
	assert.False(t, res.Success)
	assert.Equal(t, "plain", res.Error)
}

func TestRun_LogSanitizesValues(t *testing.T) {
	res := run(t, "console.log(5n, () => 1, new RangeError('r'), null, undefined);")
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, []any{"5", "[Function]", "RangeError: r", nil, nil}, res.Logs[0].Args)
}

func TestRun_LogLimit(t *testing.T) {
	r := NewRunner(Options{MaxLogEntries: 3})
	res := r.Run(context.Background(), Request{Code: "for (let i = 0; i < 10; i++) console.log(i);"})
	require.True(t, res.Success, res.Error)
	assert.Len(t, res.Logs, 4)
	assert.Contains(t, res.Logs[3].Args[0], "log limit")
}

func TestRun_RejectsPlaceholders(t *testing.T) {
	for _, code := range []string{
		"return {{@n1:API.value}} * 2;",
		"return '{{ @n1:API.value }}';",
		"return '{{name}}';",
	} {
		t.Run(code, func(t *testing.T) {
			res := run(t, code)
			assert.False(t, res.Success)
			assert.Equal(t, schema.ErrCodeValidation, res.Code)
			assert.Contains(t, res.Error, "placeholder")
		})
	}
}

func TestRun_SyntaxError(t *testing.T) {
	res := run(t, "return (;")
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeValidation, res.Code)
}

func TestRun_NoAmbientAuthority(t *testing.T) {
	res := run(t, `return [typeof eval, typeof process, typeof require, typeof setTimeout, typeof globalThis.__cf_host, typeof globalThis.__cf_settle];`)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []any{"undefined", "undefined", "undefined", "undefined", "undefined", "undefined"}, res.Result)
}

func TestRun_OutcomeCannotBeForged(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{
			name: "settle helpers are out of scope",
			code: "try { settle(true, '\"x\"'); } catch (e) {} throw new Error('real failure');",
		},
		{
			name: "patched promise then",
			code: "Promise.prototype.then = function (ok) { ok('forged'); }; throw new Error('real failure');",
		},
		{
			name: "patched JSON.stringify",
			code: "JSON.stringify = () => '\"forged\"'; throw new Error('real failure');",
		},
		{
			name: "escaping the function body",
			code: "}); globalThis.settle && settle(true, '1'); (async function () { throw new Error('real failure');",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, tt.code)
			assert.False(t, res.Success)
			assert.Nil(t, res.Result)
			assert.Equal(t, schema.ErrCodeStepFailed, res.Code)
			assert.Equal(t, "Error: real failure", res.Error)
		})
	}
}

func TestRun_DriverHelpersNotVisible(t *testing.T) {
	res := run(t, "return [typeof settle, typeof encode, typeof describe, typeof body];")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []any{"undefined", "undefined", "undefined", "undefined"}, res.Result)
}

func TestRun_PatchedThenStillReportsValue(t *testing.T) {
	res := run(t, "Promise.prototype.then = function () {}; return 7;")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 7.0, res.Result)
}

func TestRun_CapabilitiesAreReadOnly(t *testing.T) {
	res := run(t, "console = null; crypto = null; return typeof console.log + ':' + typeof crypto.randomUUID;")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "function:function", res.Result)
}

func TestRun_RandomUUID(t *testing.T) {
	res := run(t, "return [crypto.randomUUID(), crypto.randomUUID()];")
	require.True(t, res.Success, res.Error)
	ids := res.Result.([]any)
	require.Len(t, ids, 2)
	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`, ids[0])
	assert.NotEqual(t, ids[0], ids[1])
}

func TestRun_Base64(t *testing.T) {
	res := run(t, "return [btoa('hello'), atob('aGVsbG8='), atob('aGVsbG8')];")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []any{"aGVsbG8=", "hello", "hello"}, res.Result)

	res = run(t, "return btoa('☃');")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Latin1")
}

func TestRun_TextCodec(t *testing.T) {
	res := run(t, `
const bytes = new TextEncoder().encode('héllo');
return [bytes.length, new TextDecoder().decode(bytes), new TextDecoder('utf8').decode(bytes.buffer)];`)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []any{6.0, "héllo", "héllo"}, res.Result)
}

func TestRun_URL(t *testing.T) {
	res := run(t, `
const u = new URL('/v1/items?q=a+b&page=2#top', 'https://api.example.com:8443/base');
const p = new URLSearchParams({ x: 1 });
p.append('y', 'a b');
return {
  host: u.host, hostname: u.hostname, port: u.port, path: u.pathname,
  q: u.searchParams.get('q'), page: u.searchParams.get('page'), hash: u.hash,
  origin: u.origin, encoded: p.toString(),
};`)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{
		"host":     "api.example.com:8443",
		"hostname": "api.example.com",
		"port":     "8443",
		"path":     "/v1/items",
		"q":        "a b",
		"page":     "2",
		"hash":     "#top",
		"origin":   "https://api.example.com:8443",
		"encoded":  "x=1&y=a+b",
	}, res.Result)

	res = run(t, "new URL('not a url');")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "TypeError")
}

func TestRun_StructuredClone(t *testing.T) {
	res := run(t, `
const src = { a: [1, { b: 2 }], d: new Date(0) };
src.self = src;
const c = structuredClone(src);
c.a[1].b = 99;
return [src.a[1].b, c.a[1].b, c.self === c, c.d.getTime()];`)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []any{2.0, 99.0, true, 0.0}, res.Result)
}

func TestRun_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Echo-Method", r.Method)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"got":` + string(body) + `,"auth":"` + r.Header.Get("Authorization") + `"}`))
	}))
	defer srv.Close()

	res := run(t, `
const resp = await fetch('`+srv.URL+`/things', {
  method: 'POST',
  headers: { Authorization: 'Bearer t' },
  body: { n: 1 },
});
const data = await resp.json();
return { ok: resp.ok, status: resp.status, method: resp.headers.get('X-Echo-Method'), data };`)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{
		"ok":     true,
		"status": 201.0,
		"method": "POST",
		"data":   map[string]any{"got": map[string]any{"n": 1.0}, "auth": "Bearer t"},
	}, res.Result)
}

func TestRun_FetchRejectsOtherSchemes(t *testing.T) {
	res := run(t, "await fetch('file:///etc/passwd');")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unsupported URL")
}

func TestRun_FetchBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	r := NewRunner(Options{MaxResponseBytes: 16})
	res := r.Run(context.Background(), Request{Code: "await fetch('" + srv.URL + "');"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "exceeds")
}

func TestRun_Isolation(t *testing.T) {
	r := NewRunner(Options{})
	first := r.Run(context.Background(), Request{Code: "globalThis.leak = 1; return 1;"})
	require.True(t, first.Success, first.Error)
	second := r.Run(context.Background(), Request{Code: "return typeof leak;"})
	require.True(t, second.Success, second.Error)
	assert.Equal(t, "undefined", second.Result)
}

package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// host is the Go side of the capabilities exposed by prelude.js. One host
// lives for exactly one Run.
type host struct {
	vm     *goja.Runtime
	ctx    context.Context
	runner *Runner
	res    *Result

	logsDropped bool

	settled  bool
	value    any
	rejected string
}

func (h *host) install() error {
	obj := h.vm.NewObject()
	fns := map[string]func(goja.FunctionCall) goja.Value{
		"log":         h.log,
		"randomUUID":  h.randomUUID,
		"atob":        h.atob,
		"btoa":        h.btoa,
		"utf8Encode":  h.utf8Encode,
		"utf8Decode":  h.utf8Decode,
		"parseQuery":  h.parseQuery,
		"encodeQuery": h.encodeQuery,
		"parseURL":    h.parseURL,
		"fetch":       h.fetch,
	}
	for name, fn := range fns {
		if err := obj.Set(name, fn); err != nil {
			return err
		}
	}
	if err := h.vm.Set("__cf_host", obj); err != nil {
		return err
	}
	if _, err := h.vm.RunString(prelude); err != nil {
		return fmt.Errorf("prelude: %w", err)
	}
	return h.vm.GlobalObject().Delete("eval")
}

func (h *host) settle(call goja.FunctionCall) goja.Value {
	if h.settled {
		return goja.Undefined()
	}
	h.settled = true
	payload := call.Argument(1)
	if !call.Argument(0).ToBoolean() {
		h.rejected = payload.String()
		if h.rejected == "" {
			h.rejected = "snippet failed"
		}
		return goja.Undefined()
	}
	if goja.IsUndefined(payload) || goja.IsNull(payload) {
		return goja.Undefined()
	}
	v, err := decodeResult(payload.String())
	if err != nil {
		h.rejected = fmt.Sprintf("result is not serializable: %v", err)
		return goja.Undefined()
	}
	h.value = v
	return goja.Undefined()
}

func (h *host) log(call goja.FunctionCall) goja.Value {
	if len(h.res.Logs) >= h.runner.maxLogEntries {
		if !h.logsDropped {
			h.logsDropped = true
			h.res.Logs = append(h.res.Logs, LogEntry{
				Level: "warn",
				Args:  []any{fmt.Sprintf("log limit of %d entries reached, further output dropped", h.runner.maxLogEntries)},
			})
		}
		return goja.Undefined()
	}
	entry := LogEntry{Level: call.Argument(0).String(), Args: make([]any, 0, len(call.Arguments))}
	for i := 1; i < len(call.Arguments); i++ {
		arg := call.Arguments[i]
		entry.Args = append(entry.Args, h.export(arg))
	}
	h.res.Logs = append(h.res.Logs, entry)
	return goja.Undefined()
}

// export converts a runtime value into something encoding/json can handle.
func (h *host) export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if _, ok := goja.AssertFunction(v); ok {
		return "[Function]"
	}
	if obj, ok := v.(*goja.Object); ok && obj.ClassName() == "Error" {
		return obj.Get("name").String() + ": " + obj.Get("message").String()
	}
	return sanitize(v.Export())
}

func sanitize(v any) any {
	switch x := v.(type) {
	case *big.Int:
		return x.String()
	case func(goja.FunctionCall) goja.Value:
		return "[Function]"
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = sanitize(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = sanitize(e)
		}
		return out
	default:
		return v
	}
}

func (h *host) throw(format string, args ...any) {
	panic(h.vm.NewTypeError(fmt.Sprintf(format, args...)))
}

func (h *host) randomUUID(goja.FunctionCall) goja.Value {
	return h.vm.ToValue(uuid.NewString())
}

func (h *host) atob(call goja.FunctionCall) goja.Value {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\f', '\r':
			return -1
		}
		return r
	}, call.Argument(0).String())
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		h.throw("atob: the string to be decoded is not correctly encoded")
	}
	var b strings.Builder
	for _, c := range raw {
		b.WriteRune(rune(c))
	}
	return h.vm.ToValue(b.String())
}

func (h *host) btoa(call goja.FunctionCall) goja.Value {
	s := call.Argument(0).String()
	raw := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			h.throw("btoa: the string contains characters outside of the Latin1 range")
		}
		raw = append(raw, byte(r))
	}
	return h.vm.ToValue(base64.StdEncoding.EncodeToString(raw))
}

func (h *host) utf8Encode(call goja.FunctionCall) goja.Value {
	return h.vm.ToValue(h.vm.NewArrayBuffer([]byte(call.Argument(0).String())))
}

func (h *host) utf8Decode(call goja.FunctionCall) goja.Value {
	buf, ok := call.Argument(0).Export().(goja.ArrayBuffer)
	if !ok {
		h.throw("TextDecoder.decode expects an ArrayBuffer")
	}
	return h.vm.ToValue(strings.ToValidUTF8(string(buf.Bytes()), "\uFFFD"))
}

func (h *host) parseQuery(call goja.FunctionCall) goja.Value {
	pairs := make([]any, 0)
	for _, part := range strings.Split(call.Argument(0).String(), "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		pairs = append(pairs, h.vm.NewArray(unescapeQuery(k), unescapeQuery(v)))
	}
	return h.vm.NewArray(pairs...)
}

func unescapeQuery(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return strings.ReplaceAll(s, "+", " ")
}

func (h *host) encodeQuery(call goja.FunctionCall) goja.Value {
	pairs, _ := call.Argument(0).Export().([]any)
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		kv, ok := p.([]any)
		if !ok || len(kv) != 2 {
			continue
		}
		parts = append(parts, url.QueryEscape(fmt.Sprint(kv[0]))+"="+url.QueryEscape(fmt.Sprint(kv[1])))
	}
	return h.vm.ToValue(strings.Join(parts, "&"))
}

func (h *host) parseURL(call goja.FunctionCall) goja.Value {
	raw, base := call.Argument(0).String(), call.Argument(1).String()
	var (
		u   *url.URL
		err error
	)
	if base != "" {
		var b *url.URL
		if b, err = url.Parse(base); err == nil && b.IsAbs() {
			u, err = b.Parse(raw)
		} else if err == nil {
			h.throw("invalid base URL: %s", base)
		}
	} else {
		u, err = url.Parse(raw)
	}
	if err != nil || !u.IsAbs() {
		h.throw("invalid URL: %s", raw)
	}

	path := u.EscapedPath()
	if path == "" && u.Host != "" {
		path = "/"
	}
	obj := h.vm.NewObject()
	set := func(k, v string) { _ = obj.Set(k, v) }
	set("href", u.String())
	set("protocol", u.Scheme+":")
	set("host", u.Host)
	set("hostname", u.Hostname())
	set("port", u.Port())
	set("pathname", path)
	set("search", prefixed("?", u.RawQuery))
	set("hash", prefixed("#", u.EscapedFragment()))
	set("username", u.User.Username())
	pass, _ := u.User.Password()
	set("password", pass)
	origin := "null"
	if u.Host != "" {
		origin = u.Scheme + "://" + u.Host
	}
	set("origin", origin)
	return obj
}

func prefixed(prefix, s string) string {
	if s == "" {
		return ""
	}
	return prefix + s
}

func (h *host) fetch(call goja.FunctionCall) goja.Value {
	target := call.Argument(0).String()
	method := strings.ToUpper(call.Argument(1).String())
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		h.throw("fetch: unsupported URL %q", target)
	}

	var body io.Reader
	if b := call.Argument(3); !goja.IsUndefined(b) && !goja.IsNull(b) {
		body = strings.NewReader(b.String())
	}
	req, err := http.NewRequestWithContext(h.ctx, method, u.String(), body)
	if err != nil {
		h.throw("fetch: %v", err)
	}
	if headers, ok := call.Argument(2).Export().(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := h.runner.client.Do(req)
	if err != nil {
		h.throw("fetch failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.runner.maxResponseBytes+1))
	if err != nil {
		h.throw("fetch failed reading body: %v", err)
	}
	if int64(len(data)) > h.runner.maxResponseBytes {
		h.throw("fetch: response body exceeds %d bytes", h.runner.maxResponseBytes)
	}

	headers := h.vm.NewObject()
	for k, vs := range resp.Header {
		_ = headers.Set(strings.ToLower(k), strings.Join(vs, ", "))
	}
	out := h.vm.NewObject()
	_ = out.Set("status", resp.StatusCode)
	_ = out.Set("statusText", http.StatusText(resp.StatusCode))
	_ = out.Set("url", resp.Request.URL.String())
	_ = out.Set("headers", headers)
	_ = out.Set("body", string(data))
	return out
}

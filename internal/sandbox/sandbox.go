// Package sandbox runs user-authored JavaScript snippets in a fresh goja
// runtime per invocation. The runtime only sees ECMAScript built-ins plus an
// explicit capability set installed from prelude.js.
package sandbox

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"time"

	"github.com/dop251/goja"
	"github.com/rendis/chainflow/internal/tracing"
	"github.com/rendis/chainflow/pkg/schema"
	"go.opentelemetry.io/otel/attribute"
)

//go:embed prelude.js
var prelude string

// Timeout bounds in seconds. Requested timeouts are clamped into this range.
const (
	MinTimeoutSeconds     = 1
	MaxTimeoutSeconds     = 120
	DefaultTimeoutSeconds = 30
)

const (
	defaultMaxLogEntries    = 1000
	defaultMaxResponseBytes = 10 << 20
)

// placeholderPattern matches template references that were never resolved:
// {{@step:Label.path}} as well as bare {{ name }} style markers.
var placeholderPattern = regexp.MustCompile(`\{\{\s*@[^{}]*\}\}|\{\{\s*[A-Za-z_$][\w$.\-:\[\]'" ]*\}\}`)

var (
	errTimeout   = errors.New("execution timed out")
	errCancelled = errors.New("execution cancelled")
)

// Request is the input of a code step.
type Request struct {
	Code string `json:"code"`
	// Timeout in seconds; nil means the runner default. Always clamped.
	Timeout *float64 `json:"timeout,omitempty"`
}

// LogEntry is one console call made by the snippet.
type LogEntry struct {
	Level string `json:"level"`
	Args  []any  `json:"args"`
}

// Result is the outcome of a snippet run. Logs are returned on success and
// failure alike.
type Result struct {
	Success bool       `json:"success"`
	Result  any        `json:"result,omitempty"`
	Logs    []LogEntry `json:"logs"`
	Error   string     `json:"error,omitempty"`
	// Code classifies a failure: VALIDATION_ERROR, TIMEOUT_ERROR, CANCELLED
	// or STEP_FAILED for a thrown or rejected snippet.
	Code string `json:"code,omitempty"`
}

// Options configures a Runner.
type Options struct {
	DefaultTimeout   time.Duration
	HTTPClient       *http.Client
	MaxLogEntries    int
	MaxResponseBytes int64
	Logger           *slog.Logger
}

// Runner executes snippets. It is safe for concurrent use; every Run gets
// its own runtime.
type Runner struct {
	defaultTimeout   time.Duration
	client           *http.Client
	maxLogEntries    int
	maxResponseBytes int64
	logger           *slog.Logger
}

// NewRunner creates a Runner with defaults applied.
func NewRunner(opts Options) *Runner {
	r := &Runner{
		defaultTimeout:   opts.DefaultTimeout,
		client:           opts.HTTPClient,
		maxLogEntries:    opts.MaxLogEntries,
		maxResponseBytes: opts.MaxResponseBytes,
		logger:           opts.Logger,
	}
	if r.defaultTimeout <= 0 {
		r.defaultTimeout = DefaultTimeoutSeconds * time.Second
	}
	if r.client == nil {
		r.client = &http.Client{}
	}
	if r.maxLogEntries <= 0 {
		r.maxLogEntries = defaultMaxLogEntries
	}
	if r.maxResponseBytes <= 0 {
		r.maxResponseBytes = defaultMaxResponseBytes
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// ClampTimeout converts a requested timeout in seconds into the enforced
// duration, clamped to [MinTimeoutSeconds, MaxTimeoutSeconds].
func ClampTimeout(seconds float64) time.Duration {
	if math.IsNaN(seconds) || seconds < MinTimeoutSeconds {
		seconds = MinTimeoutSeconds
	}
	if seconds > MaxTimeoutSeconds {
		seconds = MaxTimeoutSeconds
	}
	return time.Duration(seconds * float64(time.Second))
}

// EffectiveTimeout returns the clamped timeout for req.
func (r *Runner) EffectiveTimeout(req Request) time.Duration {
	if req.Timeout == nil {
		return ClampTimeout(r.defaultTimeout.Seconds())
	}
	return ClampTimeout(*req.Timeout)
}

// FindPlaceholders returns unresolved template markers left in code.
func FindPlaceholders(code string) []string {
	return placeholderPattern.FindAllString(code, -1)
}

// Run executes req.Code as the body of an async function. A returned value
// (or the value a returned promise settles to) becomes Result.Result.
func (r *Runner) Run(ctx context.Context, req Request) (res *Result) {
	timeout := r.EffectiveTimeout(req)
	ctx, span := tracing.StartSpan(ctx, "sandbox.run",
		attribute.Float64("sandbox.timeout_seconds", timeout.Seconds()))

	res = &Result{Logs: make([]LogEntry, 0)}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("sandbox panic recovered", slog.Any("panic", p))
			res.Success = false
			res.Result = nil
			res.Error = fmt.Sprintf("internal sandbox error: %v", p)
			res.Code = schema.ErrCodeStepFailed
		}
		var err error
		if !res.Success {
			err = errors.New(res.Error)
		}
		tracing.EndSpan(span, err)
	}()

	if markers := FindPlaceholders(req.Code); len(markers) > 0 {
		res.fail(schema.ErrCodeValidation, fmt.Sprintf("code contains unresolved template placeholders: %v", markers))
		return res
	}

	runCtx, cancel := context.WithTimeoutCause(ctx, timeout, errTimeout)
	defer cancel()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	h := &host{vm: vm, ctx: runCtx, runner: r, res: res}
	if err := h.install(); err != nil {
		res.fail(schema.ErrCodeStepFailed, fmt.Sprintf("sandbox setup failed: %v", err))
		return res
	}

	drive, err := newDriver(vm)
	if err != nil {
		res.fail(schema.ErrCodeStepFailed, fmt.Sprintf("sandbox setup failed: %v", err))
		return res
	}

	stop := context.AfterFunc(runCtx, func() {
		if ctx.Err() != nil {
			vm.Interrupt(errCancelled)
			return
		}
		vm.Interrupt(errTimeout)
	})
	defer stop()

	body, err := vm.RunString(bodySource(req.Code))
	if err != nil {
		r.classify(res, err, timeout)
		return res
	}
	if _, ok := goja.AssertFunction(body); !ok {
		res.fail(schema.ErrCodeValidation, "code must be a function body")
		return res
	}
	if _, err := drive(goja.Undefined(), body, vm.ToValue(h.settle)); err != nil {
		r.classify(res, err, timeout)
		return res
	}

	switch {
	case !h.settled:
		res.fail(schema.ErrCodeStepFailed, "snippet returned a promise that never settled")
	case h.rejected != "":
		res.fail(schema.ErrCodeStepFailed, h.rejected)
	default:
		res.Success = true
		res.Result = h.value
	}
	return res
}

func (r *Runner) classify(res *Result, err error, timeout time.Duration) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if v, ok := interrupted.Value().(error); ok && errors.Is(v, errCancelled) {
			res.fail(schema.ErrCodeCancelled, "execution cancelled")
			return
		}
		res.fail(schema.ErrCodeTimeout, fmt.Sprintf("execution timed out after %s", timeout))
		return
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		res.fail(schema.ErrCodeStepFailed, exc.Value().String())
		return
	}
	// Syntax errors surface as *goja.CompilerSyntaxError.
	res.fail(schema.ErrCodeValidation, err.Error())
}

func (res *Result) fail(code, msg string) {
	res.Success = false
	res.Code = code
	res.Error = msg
}

// driverSource builds the function that runs a snippet and reports its
// outcome through the settle callback. It captures the built-ins it relies on
// before any user code runs, and settle is only ever passed to it from Go, so
// nothing in the snippet can reach either. Results are JSON-encoded in the
// runtime so BigInt values become decimal strings.
const driverSource = `(function () {
const then = Promise.prototype.then, stringify = JSON.stringify, E = Error, S = String;
const encode = (v) => v === undefined ? undefined : stringify(v, (k, x) => typeof x === 'bigint' ? x.toString() : x);
const describe = (e) => e instanceof E ? (e.name + ': ' + e.message) : S(e);
return function (body, settle) {
  try {
    then.call(body(), (v) => {
      let s;
      try { s = encode(v); } catch (e) { settle(false, 'result is not serializable: ' + describe(e)); return; }
      settle(true, s);
    }, (e) => settle(false, describe(e)));
  } catch (e) {
    settle(false, describe(e));
  }
};
})()`

func newDriver(vm *goja.Runtime) (goja.Callable, error) {
	v, err := vm.RunString(driverSource)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, errors.New("driver is not callable")
	}
	return fn, nil
}

// bodySource embeds the user code in an async function compiled as its own
// script, so its closure only sees the global scope.
func bodySource(code string) string {
	return "(async function () {\n" + code + "\n})"
}

// decodeResult turns the JSON text produced inside the runtime into Go values.
func decodeResult(text string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, err
	}
	return v, nil
}

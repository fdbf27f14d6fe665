package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/imgquorum/quorum/verdict"
)

// Uniform capability implemented by every participating model: given image bytes, return labeled scores.
type Adapter interface {
	Name() string
	Analyze(ctx context.Context, image []byte, uctx verdict.UploadContext, opts Options) (*verdict.ModelResult, error)
}

const (
	DepthStandard = "standard"
	DepthDeep     = "deep"
)

// Per-call analysis options. Requests are always sent with temperature zero.
type Options struct {
	MaxOutputTokens int
	// "standard" or "deep"
	Depth   string
	Verbose bool
	// if set, a response which fails to parse or validate is replaced with the fallback result instead of returning an error
	AllowLenientParse bool
}

func DefaultOptions() Options {
	return Options{
		MaxOutputTokens: 1024,
		Depth:           DepthStandard,
	}
}

type ErrorReason string

const (
	ReasonTimeout        ErrorReason = "timeout"
	ReasonParseError     ErrorReason = "parse_error"
	ReasonSchemaInvalid  ErrorReason = "schema_invalid"
	ReasonTransportError ErrorReason = "transport_error"
)

// Typed failure from a single model adapter. Recoverable: callers degrade to a fallback result.
type AdapterError struct {
	Model  string
	Reason ErrorReason
	// HTTP status code from the provider, if any
	StatusCode int
	Err        error
}

func (e *AdapterError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s adapter %s (status=%d): %v", e.Model, e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s adapter %s: %v", e.Model, e.Reason, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Extracts the failure reason from any error; non-adapter errors count as transport errors.
func ReasonOf(err error) ErrorReason {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return classifyTransportErr(err)
}

func classifyTransportErr(err error) ErrorReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonTimeout
	}
	return ReasonTransportError
}

// Tagged result of one adapter invocation: exactly one of Result or Err is meaningful. Failed outcomes still carry a fallback Result so aggregation always has a value.
type Outcome struct {
	Result *verdict.ModelResult
	Err    error
}

func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Result != nil && !o.Result.Degraded
}

// Score carried by the fallback label: neither evidence for nor against a violation.
const FallbackScore = 0.5

// Builds the safe stand-in result for a failed model call: a single "<model>_failed" label at FallbackScore.
func Fallback(model, version string, reason ErrorReason) *verdict.ModelResult {
	return &verdict.ModelResult{
		ModelName:    model,
		ModelVersion: version,
		Labels: []verdict.ModelLabel{
			{Label: model + "_failed", Score: FallbackScore},
		},
		RawOutput: map[string]any{
			verdict.RawFailureReason: string(reason),
		},
		Degraded: true,
	}
}

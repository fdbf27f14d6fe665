package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/imgquorum/quorum/verdict"
)

// Something which can turn a chat request into text. Implemented by ChatClient.
type Completer interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatCompletion, error)
}

// Maps a schema-valid provider document (raw JSON bytes) into canonical labels.
type MapFunc func(raw []byte) (*verdict.ModelResult, error)

// Declarative description of a model adapter. Adding a model means adding one Spec.
type Spec struct {
	// canonical model name used for weights and performance tracking
	Name string
	// adapter version, used when the provider does not report one
	Version      string
	Schema       *Schema
	Instructions string
	Map          MapFunc
	// whether the image itself is attached to the request, or only upload context
	SendImage bool
	Timeout   time.Duration
}

// Generic Adapter driven by a Spec.
type SpecAdapter struct {
	Spec   *Spec
	Client Completer
	// provider model identifier sent on the wire
	ProviderModel string
	Logger        *slog.Logger
}

func NewSpecAdapter(spec *Spec, client Completer, providerModel string, logger *slog.Logger) *SpecAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpecAdapter{
		Spec:          spec,
		Client:        client,
		ProviderModel: providerModel,
		Logger:        logger.With("adapter", spec.Name),
	}
}

func (a *SpecAdapter) Name() string {
	return a.Spec.Name
}

func (a *SpecAdapter) Analyze(ctx context.Context, image []byte, uctx verdict.UploadContext, opts Options) (*verdict.ModelResult, error) {
	start := time.Now()
	if a.Spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Spec.Timeout)
		defer cancel()
	}

	req := buildChatRequest(a.Spec, a.ProviderModel, image, uctx, opts)
	completion, err := a.Client.Complete(ctx, req)
	if err != nil {
		var ae *AdapterError
		if !errors.As(err, &ae) {
			ae = &AdapterError{Reason: classifyTransportErr(err), Err: err}
		}
		ae.Model = a.Spec.Name
		adapterFailures.WithLabelValues(a.Spec.Name, string(ae.Reason)).Inc()
		return nil, ae
	}

	res, err := a.decode(completion.Content)
	if err != nil {
		var ae *AdapterError
		errors.As(err, &ae)
		adapterFailures.WithLabelValues(a.Spec.Name, string(ae.Reason)).Inc()
		if opts.AllowLenientParse {
			a.Logger.Warn("substituting fallback result for unusable model output", "reason", ae.Reason, "err", ae.Err)
			return Fallback(a.Spec.Name, a.Spec.Version, ae.Reason), nil
		}
		return nil, ae
	}

	res.ModelName = a.Spec.Name
	if res.ModelVersion == "" {
		res.ModelVersion = a.Spec.Version
	}
	res.LatencyMs = time.Since(start).Milliseconds()
	for i := range res.Labels {
		res.Labels[i].Score = verdict.ClampScore(res.Labels[i].Score)
	}
	adapterLatency.WithLabelValues(a.Spec.Name).Observe(time.Since(start).Seconds())
	return res, nil
}

// Parses, validates, and maps model text. Errors are always *AdapterError.
func (a *SpecAdapter) decode(text string) (*verdict.ModelResult, error) {
	raw, doc, err := parseModelJSON(text)
	if err != nil {
		return nil, &AdapterError{Model: a.Spec.Name, Reason: ReasonParseError, Err: err}
	}
	if err := a.Spec.Schema.Validate(doc); err != nil {
		return nil, &AdapterError{Model: a.Spec.Name, Reason: ReasonSchemaInvalid, Err: err}
	}
	res, err := a.Spec.Map(raw)
	if err != nil {
		return nil, &AdapterError{Model: a.Spec.Name, Reason: ReasonSchemaInvalid, Err: fmt.Errorf("mapping provider output: %w", err)}
	}
	return res, nil
}

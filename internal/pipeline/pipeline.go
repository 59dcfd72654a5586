// Package pipeline drives a chat request through admission, adapter
// resolution, template matching, parameter extraction, execution and
// formatting. Stages run strictly in order; the first failure ends the
// request in the Failed stage.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/HanTheDev/orbit-gateway/internal/datasource"
	"github.com/HanTheDev/orbit-gateway/internal/errs"
	"github.com/HanTheDev/orbit-gateway/internal/executor"
	"github.com/HanTheDev/orbit-gateway/internal/extract"
	"github.com/HanTheDev/orbit-gateway/internal/intent"
	"github.com/HanTheDev/orbit-gateway/internal/models"
	"github.com/HanTheDev/orbit-gateway/internal/ratelimit"
	"github.com/HanTheDev/orbit-gateway/internal/registry"
	"github.com/HanTheDev/orbit-gateway/internal/telemetry"
)

type Stage string

const (
	StageReceived            Stage = "received"
	StageRateLimited         Stage = "rate_limited"
	StageAdapterResolved     Stage = "adapter_resolved"
	StageTemplateMatched     Stage = "template_matched"
	StageParametersExtracted Stage = "parameters_extracted"
	StageExecuted            Stage = "executed"
	StageFormatted           Stage = "formatted"
	StageFailed              Stage = "failed"
	// StageRejected ends a request turned away by the rate limiter. It is
	// an admission result, not a failure.
	StageRejected Stage = "rejected"
)

type Request struct {
	RequestID string
	Message   string
	// Adapter selects an adapter by its full key. When nil, AdapterName
	// is resolved by name.
	Adapter       *models.AdapterKey
	AdapterName   string
	ClientID      string
	SessionID     string
	FileIDs       []string
	Identity      string
	Authenticated bool
}

// Context is the per-request state handed from stage to stage.
type Context struct {
	Request
	Stage      Stage
	Entry      *registry.Entry
	Template   *models.Template
	Score      float64
	Parameters map[string]any
	Query      datasource.BoundQuery
	Result     *datasource.ResultSet
	Started    time.Time
	// attempt is the stage currently running.
	attempt Stage
	logger  zerolog.Logger
}

type Outcome struct {
	RequestID  string
	Adapter    string
	Stage      Stage
	FailedAt   Stage
	TemplateID string
	Score      float64
	Parameters map[string]any
	Result     *datasource.ResultSet
	Text       string
	RateLimit  ratelimit.Decision
	Err        error
	Kind       errs.Kind
	Duration   time.Duration
}

// Understood is false only when no template cleared the threshold.
func (o *Outcome) Understood() bool {
	return o.Kind != errs.KindNoTemplateMatch
}

func (o *Outcome) Rejected() bool {
	return o.Stage == StageRejected
}

// Quarantiner takes an adapter out of service after a fatal error.
type Quarantiner interface {
	Quarantine(key models.AdapterKey, reason error)
}

type Config struct {
	Limiter   ratelimit.Limiter
	Registry  *registry.Registry
	Matcher   *intent.Matcher
	Extractor *extract.Extractor
	Executor  *executor.Executor
	Metrics   *telemetry.Metrics
	// Quarantine is optional.
	Quarantine Quarantiner
	// DefaultAdapter is used when a request names no adapter.
	DefaultAdapter string
	MaxRows        int
}

type Pipeline struct {
	cfg Config
}

func New(cfg Config) *Pipeline {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	return &Pipeline{cfg: cfg}
}

// Process runs the request to completion. It never returns a nil outcome;
// failures are reported in Outcome.Err with their kind. The pipeline does
// not retry.
func (p *Pipeline) Process(ctx context.Context, req Request) *Outcome {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	pc := &Context{
		Request: req,
		Stage:   StageReceived,
		Started: time.Now(),
		logger:  log.With().Str("request_id", req.RequestID).Logger(),
	}

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.process")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", req.RequestID))

	out := &Outcome{RequestID: req.RequestID}
	err := p.run(ctx, pc, out)

	out.Adapter = adapterName(pc)
	out.Stage = pc.Stage
	out.Duration = time.Since(pc.Started)
	if pc.Template != nil {
		out.TemplateID = pc.Template.ID
	}
	out.Score = pc.Score
	out.Parameters = pc.Parameters
	out.Result = pc.Result

	if err != nil {
		out.FailedAt = pc.attempt
		out.Stage = StageFailed
		out.Err = err
		out.Kind = errs.KindOf(err)
		p.fail(pc, out)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(out.Kind))
	}

	p.observe(out)
	return out
}

func (p *Pipeline) run(ctx context.Context, pc *Context, out *Outcome) error {
	pc.attempt = StageRateLimited
	if p.cfg.Limiter != nil {
		d, err := ratelimit.Admit(ctx, p.cfg.Limiter, pc.Identity, ratelimit.ScopeChat, pc.Authenticated)
		if err != nil {
			return err
		}
		out.RateLimit = d
		if !d.Allowed {
			pc.Stage = StageRejected
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.RateLimitRejected(ratelimit.ScopeChat)
			}
			pc.logger.Info().Str("identity", pc.Identity).Dur("retry_after", d.RetryAfter).Msg("chat request rate limited")
			return nil
		}
	}
	p.advance(pc, StageRateLimited)

	if err := p.stage(ctx, pc, StageAdapterResolved, p.resolve); err != nil {
		return err
	}
	if err := p.stage(ctx, pc, StageTemplateMatched, p.match); err != nil {
		return err
	}
	if err := p.stage(ctx, pc, StageParametersExtracted, p.extract); err != nil {
		return err
	}
	if err := p.stage(ctx, pc, StageExecuted, p.execute); err != nil {
		return err
	}
	return p.stage(ctx, pc, StageFormatted, func(_ context.Context, pc *Context) error {
		out.Text = Format(pc.Result, p.cfg.MaxRows)
		return nil
	})
}

// stage runs fn in its own span and advances to next only on success.
func (p *Pipeline) stage(ctx context.Context, pc *Context, next Stage, fn func(context.Context, *Context) error) error {
	pc.attempt = next
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline."+string(next))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(ctx, pc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.KindOf(err)))
		return err
	}
	p.advance(pc, next)
	return nil
}

func (p *Pipeline) advance(pc *Context, next Stage) {
	pc.Stage = next
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.StageTransitions.WithLabelValues(string(next)).Inc()
	}
	pc.logger.Debug().Str("stage", string(next)).Msg("stage complete")
}

func (p *Pipeline) resolve(_ context.Context, pc *Context) error {
	var (
		e   *registry.Entry
		err error
	)
	switch {
	case pc.Adapter != nil:
		e, err = p.cfg.Registry.Resolve(*pc.Adapter)
	case pc.AdapterName != "":
		e, err = p.cfg.Registry.ResolveName(pc.AdapterName)
	case p.cfg.DefaultAdapter != "":
		e, err = p.cfg.Registry.ResolveName(p.cfg.DefaultAdapter)
	default:
		err = &errs.AdapterNotFoundError{Adapter: "", Reason: "no adapter requested"}
	}
	if err != nil {
		return err
	}
	pc.Entry = e
	pc.logger = pc.logger.With().Str("adapter", e.Key().String()).Logger()
	return nil
}

func (p *Pipeline) match(ctx context.Context, pc *Context) error {
	impl := pc.Entry.Impl
	switch impl.Class {
	case models.ClassRetriever:
		r := impl.Retriever
		m, err := p.cfg.Matcher.Match(ctx, r.Collection(), pc.Message, r.Threshold())
		if err != nil {
			return err
		}
		pc.Template, pc.Score = m.Template, m.Score
	case models.ClassAction:
		pc.Template, pc.Score = impl.Action.Action(), 1
	case models.ClassPassthrough:
		pc.Template, pc.Score = impl.Passthrough.Statement(), 1
	default:
		return fmt.Errorf("adapter %s has unknown class %q", pc.Entry.Key(), impl.Class)
	}
	return nil
}

func (p *Pipeline) extract(ctx context.Context, pc *Context) error {
	var (
		values map[string]any
		err    error
	)
	if pc.Entry.Impl.Class == models.ClassPassthrough {
		values = map[string]any{"query": pc.Message}
	} else {
		values, err = p.cfg.Extractor.ExtractAll(ctx, pc.Template, pc.Message)
		if err != nil {
			return err
		}
	}
	pc.Parameters = values

	q, err := extract.Bind(pc.Template, values)
	if err != nil {
		return err
	}
	pc.Query = q
	return nil
}

func (p *Pipeline) execute(ctx context.Context, pc *Context) error {
	rs, err := p.cfg.Executor.Execute(ctx, pc.Entry.Key().String(), pc.Entry.Impl.Source(), pc.Query)
	if err != nil {
		return err
	}
	pc.Result = rs
	return nil
}

func (p *Pipeline) fail(pc *Context, out *Outcome) {
	level := zerolog.WarnLevel
	switch {
	case out.Kind == errs.KindNoTemplateMatch:
		level = zerolog.InfoLevel
	case out.Kind == errs.KindCanceled:
		level = zerolog.DebugLevel
	case errs.Fatal(out.Kind), out.Kind == errs.KindInternal:
		level = zerolog.ErrorLevel
	}
	pc.logger.WithLevel(level).Err(out.Err).
		Str("stage", string(out.FailedAt)).
		Str("error_kind", string(out.Kind)).
		Str("template", out.TemplateID).
		Msg("request failed")

	if errs.Fatal(out.Kind) && pc.Entry != nil && p.cfg.Quarantine != nil {
		p.cfg.Quarantine.Quarantine(pc.Entry.Key(), out.Err)
	}
}

func (p *Pipeline) observe(out *Outcome) {
	if p.cfg.Metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case out.Rejected():
		outcome = "rate_limited"
	case out.Err != nil:
		outcome = string(out.Kind)
	}
	name := out.Adapter
	if name == "" {
		name = "unknown"
	}
	p.cfg.Metrics.Requests.WithLabelValues(name, outcome).Inc()
	p.cfg.Metrics.RequestDuration.WithLabelValues(name).Observe(out.Duration.Seconds())
}

func adapterName(pc *Context) string {
	if pc.Entry != nil {
		return pc.Entry.Key().String()
	}
	return ""
}

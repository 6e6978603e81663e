package decode

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/Skryldev/image-loader/codec"
	"github.com/Skryldev/image-loader/core"
	"github.com/Skryldev/image-loader/datasource"
	"github.com/Skryldev/image-loader/diskcache"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/fetch"
	"github.com/Skryldev/image-loader/orientation"
	"github.com/Skryldev/image-loader/preprocess"
)

// EngineConfig wires an Engine. Only Env is required.
type EngineConfig struct {
	Env        *Env
	Preprocess *preprocess.Chain
	Strategies *Chain
	Cache      *diskcache.Cache
	Fetcher    fetch.Fetcher
}

// Engine runs one request through preprocess, source resolution, bounds
// probe, strategy selection, decode, validation and orientation correction.
// It is safe for concurrent use; each Load is synchronous.
type Engine struct {
	env        *Env
	preprocess *preprocess.Chain
	strategies *Chain
	cache      *diskcache.Cache
	fetcher    fetch.Fetcher

	hooks   []core.Hook
	tracker core.Tracker
	metrics core.MetricsCollector
	logger  core.Logger
}

// NewEngine creates an Engine. A nil Strategies uses DefaultChain.
func NewEngine(cfg EngineConfig) *Engine {
	strategies := cfg.Strategies
	if strategies == nil {
		strategies = DefaultChain()
	}
	env := cfg.Env
	if env == nil {
		env = NewEnv(nil)
	}
	if env.Codecs == nil {
		env.Codecs = codec.Default()
	}
	if env.Corrector == nil {
		env.Corrector = &orientation.Corrector{Pool: env.Pool}
	}
	return &Engine{
		env:        env,
		preprocess: cfg.Preprocess,
		strategies: strategies,
		cache:      cfg.Cache,
		fetcher:    cfg.Fetcher,
		logger:     env.logger(),
	}
}

// SetLogger attaches a structured logger.
func (e *Engine) SetLogger(l core.Logger) {
	e.logger = l
	if e.env.Logger == nil {
		e.env.Logger = l
	}
}

// SetMetrics attaches a metrics collector.
func (e *Engine) SetMetrics(m core.MetricsCollector) { e.metrics = m }

// SetTracker attaches the receiver of per-request outcome reports.
func (e *Engine) SetTracker(t core.Tracker) { e.tracker = t }

// AddHook registers a stage observer. Not safe to call concurrently with Load.
func (e *Engine) AddHook(h core.Hook) { e.hooks = append(e.hooks, h) }

// Strategies returns the strategy chain so callers can insert their own.
func (e *Engine) Strategies() *Chain { return e.strategies }

// Env returns the shared decode environment.
func (e *Engine) Env() *Env { return e.env }

// state is the per-request scratchpad threaded through the stages.
type state struct {
	src      *Source
	typ      core.ImageType
	bounds   core.Bounds
	exif     int
	strategy Strategy
	result   core.DecodeResult
}

// Load decodes the image named by req. Every call reports exactly one
// outcome to the tracker. On failure the error carries a cause tag and no
// pooled buffer or cache editor is left held.
func (e *Engine) Load(ctx context.Context, req *core.Request) (core.DecodeResult, error) {
	if req == nil {
		return nil, apperrors.New(apperrors.CauseSourceNotFound, "load", apperrors.ErrEmptyInput)
	}
	start := time.Now()
	st := &state{}
	err := e.run(ctx, req, st)
	if err != nil {
		e.releaseResult(st)
		e.reportFailure(ctx, req, st, err)
		return nil, err
	}
	e.reportSuccess(ctx, req, st, time.Since(start))
	return st.result, nil
}

// Probe resolves req and reads its bounds without decoding pixels.
func (e *Engine) Probe(ctx context.Context, req *core.Request) (core.Bounds, datasource.Kind, error) {
	if req == nil {
		return core.Bounds{}, "", apperrors.New(apperrors.CauseSourceNotFound, "probe", apperrors.ErrEmptyInput)
	}
	st := &state{}
	for _, s := range []struct {
		stage core.Stage
		fn    func(context.Context, *core.Request, *state) error
	}{
		{core.StagePreprocess, e.stagePreprocess},
		{core.StageResolve, e.stageResolve},
		{core.StageProbeBounds, e.stageProbe},
	} {
		if err := e.runStage(ctx, s.stage, req, func() error { return s.fn(ctx, req, st) }); err != nil {
			return st.bounds, "", err
		}
	}
	return st.bounds, st.src.Data.Kind(), nil
}

func (e *Engine) run(ctx context.Context, req *core.Request, st *state) error {
	stages := []struct {
		stage core.Stage
		fn    func(context.Context, *core.Request, *state) error
	}{
		{core.StagePreprocess, e.stagePreprocess},
		{core.StageResolve, e.stageResolve},
		{core.StageProbeBounds, e.stageProbe},
		{core.StageSelect, e.stageSelect},
		{core.StageDecode, e.stageDecode},
		{core.StageValidate, e.stageValidate},
		{core.StageOrientation, e.stageOrientation},
	}
	for _, s := range stages {
		if err := e.runStage(ctx, s.stage, req, func() error { return s.fn(ctx, req, st) }); err != nil {
			return err
		}
	}
	return nil
}

// runStage checks for cancellation, then runs fn between hook calls.
func (e *Engine) runStage(ctx context.Context, stage core.Stage, req *core.Request, fn func() error) error {
	if err := ctx.Err(); err != nil {
		err = apperrors.Wrap(apperrors.CauseCanceled, string(stage), err)
		e.recordError(stage, err)
		return err
	}
	for _, h := range e.hooks {
		h.BeforeStage(ctx, stage, req)
	}
	t := time.Now()
	err := fn()
	if err == nil && ctx.Err() != nil {
		err = apperrors.Wrap(apperrors.CauseCanceled, string(stage), ctx.Err())
	}
	elapsed := time.Since(t)
	for _, h := range e.hooks {
		h.AfterStage(ctx, stage, req, elapsed, err)
	}
	if e.metrics != nil {
		e.metrics.RecordStageTime(stage, elapsed)
	}
	if err != nil {
		e.recordError(stage, err)
	}
	return err
}

func (e *Engine) recordError(stage core.Stage, err error) {
	if e.metrics != nil {
		e.metrics.RecordError(stage, string(apperrors.CauseOf(err)))
	}
}

// ── Stages ────────────────────────────────────────────────────────────────────

func (e *Engine) stagePreprocess(ctx context.Context, req *core.Request, st *state) error {
	if e.preprocess == nil {
		return nil
	}
	res, matched, err := e.preprocess.Process(ctx, req)
	switch {
	case !matched:
		return nil
	case err != nil && apperrors.Is(err, apperrors.CauseCanceled):
		return err
	case err != nil && req.Options.FailOnPreprocessError:
		return err
	case err != nil:
		e.logger.Warn("decode.preprocess_fallback",
			"uri", req.URI,
			"error", err.Error(),
		)
		return nil
	}
	st.src = &Source{Data: res.DataSource()}
	return nil
}

func (e *Engine) stageResolve(ctx context.Context, req *core.Request, st *state) error {
	if st.src != nil {
		return nil
	}
	if req.ProcessedKey != "" && e.cache != nil {
		if entry := e.cache.Get(req.ProcessedKey); entry != nil {
			st.src = &Source{
				Data:   datasource.NewProcessedCache(entry),
				Origin: e.localSource(req),
			}
			return nil
		}
	}
	if ds := e.localSource(req); ds != nil {
		st.src = &Source{Data: ds}
		return nil
	}
	if e.fetcher != nil && e.fetcher.Match(req.URI) {
		entry, from, err := e.fetcher.Fetch(ctx, req.URI, req.DiskCacheKey())
		if err != nil {
			if ctx.Err() != nil {
				return apperrors.Wrap(apperrors.CauseCanceled, "resolve.fetch", ctx.Err())
			}
			return apperrors.Wrap(apperrors.CauseSourceNotFound, "resolve.fetch", err)
		}
		st.src = &Source{Data: datasource.NewDiskCache(entry, from)}
		return nil
	}
	return apperrors.New(apperrors.CauseSourceNotFound, "resolve", errSourceNotFound)
}

var errSourceNotFound = errors.New("no data source for uri")

// localSource finds req's bytes without touching the network: a cached
// copy first, then a local file.
func (e *Engine) localSource(req *core.Request) datasource.DataSource {
	if e.cache != nil {
		if entry := e.cache.Get(req.DiskCacheKey()); entry != nil {
			return datasource.NewDiskCache(entry, core.FromDiskCache)
		}
	}
	path := req.URI
	if strings.Contains(path, "://") {
		if !strings.HasPrefix(path, "file://") {
			return nil
		}
		path = strings.TrimPrefix(path, "file://")
	}
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		return datasource.NewFile(path)
	}
	return nil
}

func (e *Engine) stageProbe(_ context.Context, req *core.Request, st *state) error {
	b, t, err := Probe(e.env, st.src.Data)
	st.bounds, st.typ = b, t
	if err != nil {
		return err
	}
	if !req.Options.CorrectOrientationDisabled {
		st.exif = e.env.corrector().ReadExifOrientation(b.MimeType, st.src.Data)
	}
	return nil
}

func (e *Engine) stageSelect(_ context.Context, req *core.Request, st *state) error {
	st.strategy = e.strategies.Select(req, st.src, st.typ, st.bounds)
	if st.strategy == nil {
		return apperrors.New(apperrors.CauseUnsupportedFormat, "select", errNoStrategy)
	}
	return nil
}

var errNoStrategy = errors.New("no decode strategy matched")

func (e *Engine) stageDecode(ctx context.Context, req *core.Request, st *state) error {
	res, err := st.strategy.Decode(ctx, e.env, req, st.src, st.typ, st.bounds, st.exif)
	if err != nil {
		var de *apperrors.DecodeError
		if !errors.As(err, &de) {
			err = apperrors.Wrap(apperrors.CauseDecodeUnknown, "decode."+st.strategy.Name(), err)
		}
		return err
	}
	st.result = res
	return nil
}

// stageValidate rejects unusable results. An undersized bitmap is freed,
// never pooled.
func (e *Engine) stageValidate(_ context.Context, _ *core.Request, st *state) error {
	const op = "validate"
	if st.result == nil || st.result.ImageAttrs() == nil {
		st.result = nil
		return apperrors.New(apperrors.CauseResultInvalid, op, apperrors.ErrEmptyInput)
	}
	br, ok := st.result.(*core.BitmapResult)
	if !ok {
		return nil
	}
	if br.Bitmap == nil || br.Bitmap.Released() {
		st.result = nil
		return apperrors.New(apperrors.CauseResultInvalid, op, apperrors.ErrBitmapReleased)
	}
	if br.Bitmap.Width() <= 1 || br.Bitmap.Height() <= 1 {
		e.env.Pool.Free(br.Bitmap)
		st.result = nil
		return apperrors.New(apperrors.CauseResultSizeInvalid, op, apperrors.ErrInvalidDimensions)
	}
	return nil
}

func (e *Engine) stageOrientation(_ context.Context, req *core.Request, st *state) error {
	if req.Options.CorrectOrientationDisabled {
		return nil
	}
	attrs := st.result.ImageAttrs()
	if orientation.Degrees(attrs.ExifOrientation()) == 0 {
		return nil
	}
	if err := e.env.corrector().RotateSize(attrs); err != nil {
		return apperrors.Wrap(apperrors.CauseDecodeUnknown, "orientation", err)
	}
	return nil
}

// ── Outcome ───────────────────────────────────────────────────────────────────

// releaseResult hands a decoded bitmap back after a late failure.
func (e *Engine) releaseResult(st *state) {
	if br, ok := st.result.(*core.BitmapResult); ok && br.Bitmap != nil {
		e.env.Pool.Release(br.Bitmap)
	}
	st.result = nil
}

func (e *Engine) reportFailure(ctx context.Context, req *core.Request, st *state, err error) {
	if e.tracker == nil {
		return
	}
	e.tracker.OnDecodeFailure(ctx, core.Failure{
		RequestID: req.ID,
		URI:       req.URI,
		Cause:     string(apperrors.CauseOf(err)),
		Bounds:    st.bounds,
		Err:       err,
	})
}

func (e *Engine) reportSuccess(ctx context.Context, req *core.Request, st *state, elapsed time.Duration) {
	if e.tracker == nil {
		return
	}
	sample := 1
	if br, ok := st.result.(*core.BitmapResult); ok {
		sample = br.SampleSize
	}
	e.tracker.OnDecodeSuccess(ctx, core.Success{
		RequestID:  req.ID,
		URI:        req.URI,
		Bounds:     st.bounds,
		SampleSize: sample,
		Strategy:   st.strategy.Name(),
		Elapsed:    elapsed,
	})
}

// Package whisperrunner drives transcription sessions over a whisper model.
//
// A session encodes the mel features once, runs one decode step with the
// decoder start token to fill the cross attention cache, and then feeds
// every sampled token back one at a time until end of text or the decoder's
// position limit.
package whisperrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jmorganca/whisper/cache"
	"github.com/jmorganca/whisper/convert"
	"github.com/jmorganca/whisper/logutil"
	"github.com/jmorganca/whisper/mel"
	"github.com/jmorganca/whisper/ml"
	"github.com/jmorganca/whisper/model"
	"github.com/jmorganca/whisper/model/whisper"
	"github.com/jmorganca/whisper/quantize"
	"github.com/jmorganca/whisper/sample"
)

type DoneReason int

const (
	// DoneReasonStop means the model produced end of text
	DoneReasonStop DoneReason = iota
	// DoneReasonLength means the token limit or the decoder's position limit
	// was reached
	DoneReasonLength
)

func (d DoneReason) String() string {
	switch d {
	case DoneReasonLength:
		return "length"
	default:
		return "stop"
	}
}

type Request struct {
	Features *mel.Features
	Options  Options
}

type Response struct {
	ID uuid.UUID

	Text string
	// Tokens are the sampled ids, excluding the decoder start token
	Tokens []int32
	// Probs holds the probability of each sampled token under the model's
	// temperature softmax
	Probs []float32

	DoneReason DoneReason
	Stats      Stats
}

// LoadParams control how a runner loads its model
type LoadParams struct {
	NumThreads int
	// Parallel bounds the number of concurrent sessions. Zero means one.
	Parallel int
	// Quantization is a preset name, e.g. q4f16_1. Empty leaves the
	// parameters as loaded.
	Quantization string
}

type Runner struct {
	model *whisper.Model

	quantization quantize.Quantization
	// weightsCtx holds quantized parameters for the lifetime of the runner
	weightsCtx ml.Context

	// sessions have independent caches; sem bounds how many run at once
	sem         *semaphore.Weighted
	parallelism int64

	caches *cachePool
}

// cachePool keeps self attention arenas between sessions, one list per
// cache type. It never holds more arenas of a type than sessions can run
// at once.
type cachePool struct {
	mu     sync.Mutex
	model  *whisper.Model
	caches map[ml.DType][]*cache.Causal
}

func (p *cachePool) get(dtype ml.DType) *cache.Causal {
	p.mu.Lock()
	defer p.mu.Unlock()

	if list := p.caches[dtype]; len(list) > 0 {
		c := list[len(list)-1]
		p.caches[dtype] = list[:len(list)-1]
		return c
	}

	return p.model.NewCache(dtype)
}

// put rewinds c and keeps it for the next session
func (p *cachePool) put(c *cache.Causal) {
	c.Reset()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.caches[c.DType] = append(p.caches[c.DType], c)
}

func (p *cachePool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, list := range p.caches {
		for _, c := range list {
			c.Close()
		}
	}

	clear(p.caches)
}

// Load converts the Hugging Face checkpoint in dir and prepares a runner
// for it
func Load(dir string, params LoadParams) (*Runner, error) {
	m, err := convert.ConvertModel(dir)
	if err != nil {
		return nil, err
	}

	mm, err := model.Load(m, ml.BackendParams{NumThreads: params.NumThreads})
	if err != nil {
		return nil, err
	}

	wm, ok := mm.(*whisper.Model)
	if !ok {
		mm.Backend().Close()
		return nil, fmt.Errorf("%s: not a whisper model", m.KV.Architecture())
	}

	r := New(wm, params.Parallel)
	if params.Quantization != "" {
		if _, err := r.Quantize(params.Quantization); err != nil {
			r.Close()
			return nil, err
		}
	}

	return r, nil
}

func New(m *whisper.Model, parallel int) *Runner {
	parallelism := int64(max(parallel, 1))
	return &Runner{
		model:       m,
		sem:         semaphore.NewWeighted(parallelism),
		parallelism: parallelism,
		caches:      &cachePool{model: m, caches: make(map[ml.DType][]*cache.Causal)},
	}
}

func (r *Runner) Model() *whisper.Model {
	return r.model
}

// Quantization returns the applied preset, if any
func (r *Runner) Quantization() quantize.Quantization {
	return r.quantization
}

// Quantize rewrites the model parameters with the named preset and returns
// the names each parameter is now stored as. It waits for running sessions
// to finish.
func (r *Runner) Quantize(preset string) (quantize.Mapping, error) {
	q, err := quantize.Parse(preset)
	if err != nil {
		return nil, err
	}

	// holding every slot keeps sessions off the parameters being rewritten
	if err := r.sem.Acquire(context.Background(), r.parallelism); err != nil {
		return nil, err
	}
	defer r.sem.Release(r.parallelism)

	ctx := r.model.Backend().NewContext()
	mapping, err := q.Quantize(ctx, r.model)
	if err != nil {
		ctx.Close()
		return nil, err
	}

	if r.weightsCtx != nil {
		r.weightsCtx.Close()
	}

	r.weightsCtx = ctx
	r.quantization = q
	slog.Info("quantized model", "preset", q.Name(), "kind", q.Kind(), "dtype", q.ModelDType(), "parameters", len(mapping))
	return mapping, nil
}

func (r *Runner) Close() {
	r.caches.close()
	if r.weightsCtx != nil {
		r.weightsCtx.Close()
	}

	r.model.Backend().Close()
}

// Transcribe runs one session. ctx is checked between decoding steps; a
// cancelled session discards its caches.
func (r *Runner) Transcribe(ctx context.Context, req Request) (*Response, error) {
	if req.Features == nil {
		return nil, errors.New("no features")
	}

	if err := req.Options.validate(); err != nil {
		return nil, err
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	s, err := r.newSession(req.Options)
	if err != nil {
		return nil, err
	}
	defer s.close()

	slog.Debug("starting transcription", "id", s.id, "frames", req.Features.Frames, "bins", req.Features.Bins)
	if err := s.run(ctx, req.Features); err != nil {
		return nil, err
	}

	ids := s.ids[1:]
	text, err := r.decodeText(ids, req.Options.SpecialTokens)
	if err != nil {
		return nil, err
	}

	slog.Info("transcribed", "id", s.id, "tokens", len(ids), "reason", s.doneReason, "stats", s.stats)
	return &Response{
		ID:         s.id,
		Text:       text,
		Tokens:     slices.Clone(ids),
		Probs:      s.probs,
		DoneReason: s.doneReason,
		Stats:      s.stats,
	}, nil
}

func (r *Runner) decodeText(ids []int32, special bool) (string, error) {
	vocab := r.model.Vocabulary()
	if !special {
		ids = slices.DeleteFunc(slices.Clone(ids), func(id int32) bool {
			return vocab.IsControl(id) || vocab.Is(id, model.SpecialEOS)
		})
	}

	return r.model.BytePairEncoding.Decode(ids)
}

type session struct {
	id      uuid.UUID
	model   *whisper.Model
	caches  *cachePool
	config  *whisper.Config
	opts    Options
	sampler sample.Sampler

	selfCache  *cache.Causal
	crossCache *cache.Cross

	ids   []int32
	probs []float32
	// pending is the temperature softmax of the step being sampled
	pending []float32

	doneReason DoneReason
	stats      Stats
}

func (r *Runner) newSession(opts Options) (*session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	dtype, err := opts.cacheType()
	if err != nil {
		return nil, err
	}

	sampler := sample.Greedy()
	if opts.Temperature > 0 {
		var seed *int64
		if opts.Seed >= 0 {
			seed = &opts.Seed
		}

		sampler = sample.Weighted(seed)
	}

	return &session{
		id:        id,
		model:     r.model,
		caches:    r.caches,
		config:    r.model.Config(),
		opts:      opts,
		sampler:   sampler,
		selfCache: r.caches.get(dtype),
	}, nil
}

func (s *session) close() {
	s.caches.put(s.selfCache)
	if s.crossCache != nil {
		s.crossCache.Close()
	}
}

func (s *session) run(ctx context.Context, features *mel.Features) error {
	if features.Bins != s.config.NumMelBins {
		return fmt.Errorf("%w: features have %d mel bins, model takes %d", whisper.ErrInputShape, features.Bins, s.config.NumMelBins)
	}

	frames := s.config.FrameCount()
	if features.Frames != frames {
		slog.Debug("padding features", "id", s.id, "frames", features.Frames, "want", frames)
		features = features.Pad(frames)
	}

	logits, err := s.encodeDecode(features)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			slog.Info("aborting transcription", "id", s.id, "tokens", len(s.ids)-1, "error", err)
			return err
		}

		start := time.Now()
		next, err := s.next(logits)
		if err != nil {
			return err
		}

		s.ids = append(s.ids, next)
		logutil.Trace("sampled", "id", s.id, "step", len(s.ids)-1, "token", next)

		if s.done(next) {
			s.stats.PrefillDuration += time.Since(start)
			return nil
		}

		logits, err = s.prefill(next)
		if err != nil {
			return err
		}

		s.stats.PrefillTokens++
		s.stats.PrefillDuration += time.Since(start)
	}
}

// encodeDecode runs the encoder and the first decoding step, which keeps
// the cross attention cache for the rest of the session
func (s *session) encodeDecode(features *mel.Features) ([]float32, error) {
	ctx := s.model.Backend().NewContext()
	defer ctx.Close()

	start := time.Now()
	input, err := ctx.FromFloatSlice(features.Data, features.Frames, features.Bins)
	if err != nil {
		return nil, err
	}

	encoderStates, err := s.model.Encode(ctx, input)
	if err != nil {
		return nil, err
	}

	ctx.Forward(encoderStates).Compute(encoderStates)
	s.stats.EncodeDuration = time.Since(start)

	start = time.Now()
	s.ids = []int32{s.config.DecoderStartTokenID}
	inputIDs, err := ctx.FromIntSlice(s.ids, 1, 1)
	if err != nil {
		return nil, err
	}

	logits, crossCache, err := s.model.Decode(ctx, s.selfCache, inputIDs, len(s.ids), encoderStates)
	if err != nil {
		return nil, err
	}

	s.crossCache = crossCache
	values, err := s.logits(ctx, logits)
	if err != nil {
		return nil, err
	}

	s.stats.DecodeTokens++
	s.stats.DecodeDuration = time.Since(start)
	return values, nil
}

func (s *session) prefill(token int32) ([]float32, error) {
	ctx := s.model.Backend().NewContext()
	defer ctx.Close()

	inputIDs, err := ctx.FromIntSlice([]int32{token}, 1)
	if err != nil {
		return nil, err
	}

	logits, err := s.model.Prefill(ctx, s.selfCache, inputIDs, len(s.ids), s.crossCache)
	if err != nil {
		return nil, err
	}

	return s.logits(ctx, logits)
}

// logits reads the logits of the last position and records the
// temperature softmax of the model alongside them
func (s *session) logits(ctx ml.Context, logits ml.Tensor) ([]float32, error) {
	temperature := s.opts.Temperature
	if temperature <= 0 {
		temperature = 1
	}

	vocabSize := logits.Dim(0)
	last := logits.View(ctx, logits.Stride(1)*(logits.Dim(1)-1), vocabSize)
	probs := s.model.SoftmaxWithTemperature(ctx, last, temperature)
	ctx.Forward(last, probs).Compute(last, probs)

	s.pending = probs.Floats()
	return last.Floats(), nil
}

// transforms are the logit processors of the step that samples the token
// at position step of the output
func (s *session) transforms(step int) []sample.Transform {
	var ts []sample.Transform
	if len(s.config.SuppressTokens) > 0 {
		ts = append(ts, sample.Suppress(s.config.SuppressTokens))
	}

	if len(s.config.BeginSuppressTokens) > 0 && step == s.beginStep() {
		ts = append(ts, sample.Suppress(s.config.BeginSuppressTokens))
	}

	if token, ok := s.config.ForcedDecoderIDs[step]; ok {
		ts = append(ts, sample.Force(token))
	}

	if s.opts.Temperature > 0 {
		ts = append(ts, sample.Temperature(s.opts.Temperature))
		if s.opts.TopK > 0 {
			ts = append(ts, sample.TopK(s.opts.TopK))
		}

		if s.opts.TopP < 1 {
			ts = append(ts, sample.TopP(s.opts.TopP))
		}
	}

	return ts
}

// beginStep is the first step after the forced prefix
func (s *session) beginStep() int {
	step := 0
	for k := range s.config.ForcedDecoderIDs {
		step = max(step, k)
	}

	return step + 1
}

func (s *session) next(logits []float32) (int32, error) {
	next, err := s.sampler.Sample(logits, s.transforms(len(s.ids))...)
	if err != nil {
		return -1, err
	}

	var prob float32
	if int(next) < len(s.pending) {
		prob = s.pending[next]
	}

	s.probs = append(s.probs, prob)
	return next, nil
}

// done reports whether the session stops after sampling token
func (s *session) done(token int32) bool {
	switch {
	case token == s.config.EOSTokenID:
		s.doneReason = DoneReasonStop
	case len(s.ids) >= s.config.MaxTargetPositions:
		s.doneReason = DoneReasonLength
	case s.opts.MaxNewTokens > 0 && len(s.ids)-1 >= s.opts.MaxNewTokens:
		s.doneReason = DoneReasonLength
	default:
		return false
	}

	return true
}

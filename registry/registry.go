// Package registry resolves subjects to their model artifacts and keeps the
// loaded artifacts in memory for the life of the process.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"riskscreen/ml"
)

const DefaultCacheSize = 128

const (
	formatJSON = "json"
	formatONNX = "onnx"
)

type Options struct {
	// Root is the artifact directory; one sub-directory per subject.
	Root string
	// FS overrides the filesystem artifacts are read from. Defaults to os.DirFS(Root).
	FS fs.FS
	// CacheSize bounds each of the three caches.
	CacheSize int
	// LoadTimeout bounds how long a caller waits on a first load. Zero waits
	// for as long as the caller's context allows.
	LoadTimeout time.Duration
	// FallbackLoader decodes model.onnx. Nil means that runtime is not installed.
	FallbackLoader ml.LoaderFunc
	Logger         *zap.Logger
	Listeners      []Listener
}

// Registry lazily loads and memoizes per-subject metadata, classifiers and
// explainers. It is safe for concurrent use.
type Registry struct {
	root        string
	fsys        fs.FS
	loadTimeout time.Duration
	fallback    ml.LoaderFunc
	logger      *zap.Logger
	tracer      trace.Tracer

	// mu makes ClearCache atomic across the three caches. Loads hold it for
	// reading while they publish, ClearCache holds it for writing.
	mu         sync.RWMutex
	generation uint64
	metadata   *lru.Cache[string, *Metadata]
	models     *lru.Cache[string, ml.Classifier]
	explainers *lru.Cache[string, ml.Explainer]

	group singleflight.Group

	listenersMu sync.RWMutex
	listeners   []Listener
}

func New(opts Options) (*Registry, error) {
	if opts.FS == nil {
		if opts.Root == "" {
			return nil, errors.New("artifact root is required")
		}
		opts.FS = os.DirFS(opts.Root)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	metadata, err := lru.New[string, *Metadata](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	models, err := lru.New[string, ml.Classifier](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	explainers, err := lru.New[string, ml.Explainer](opts.CacheSize)
	if err != nil {
		return nil, err
	}

	return &Registry{
		root:        opts.Root,
		fsys:        opts.FS,
		loadTimeout: opts.LoadTimeout,
		fallback:    opts.FallbackLoader,
		logger:      opts.Logger.Named("registry"),
		tracer:      otel.Tracer("riskscreen/registry"),
		metadata:    metadata,
		models:      models,
		explainers:  explainers,
		listeners:   append([]Listener(nil), opts.Listeners...),
	}, nil
}

func (r *Registry) Root() string {
	return r.root
}

func (r *Registry) AddListener(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Metadata never fails: a missing or unreadable descriptor yields
// DefaultMetadata, which is not cached so a later descriptor is picked up.
func (r *Registry) Metadata(ctx context.Context, subject string) *Metadata {
	if md, ok := lookup(r, r.metadata, subject); ok {
		return md
	}
	if !validSubject(subject) || !r.subjectExists(subject) {
		return DefaultMetadata(subject)
	}

	gen := r.currentGeneration()
	v, err := r.do(ctx, "metadata/"+subject, func() (any, error) {
		if md, ok := lookup(r, r.metadata, subject); ok {
			return md, nil
		}
		payload, err := fs.ReadFile(r.fsys, path.Join(subject, ml.MetadataFile))
		if err != nil {
			r.logger.Warn("metadata not found, using defaults", zap.String("subject", subject), zap.Error(err))
			r.emit(Event{Type: EventMetadataMissing, Subject: subject, Error: err.Error()})
			return DefaultMetadata(subject), nil
		}
		md, err := parseMetadata(subject, payload)
		if err != nil {
			r.logger.Error("metadata unreadable, using defaults", zap.String("subject", subject), zap.Error(err))
			r.emit(Event{Type: EventMetadataMissing, Subject: subject, Error: err.Error()})
			return DefaultMetadata(subject), nil
		}
		publish(r, r.metadata, gen, subject, md)
		r.logger.Info("loaded metadata", zap.String("subject", subject), zap.String("version", md.Version))
		r.emit(Event{Type: EventMetadataLoaded, Subject: subject, Version: md.Version})
		return md, nil
	})
	if err != nil {
		// only a cancelled or timed out wait gets here
		return DefaultMetadata(subject)
	}
	return v.(*Metadata)
}

// Model returns the subject's classifier, loading it on first use. Errors
// wrap ErrModelNotFound or ErrModelUnavailable unless the wait itself was
// cancelled. A subject without an artifact directory fails without an event.
func (r *Registry) Model(ctx context.Context, subject string) (ml.Classifier, error) {
	if model, ok := lookup(r, r.models, subject); ok {
		return model, nil
	}
	if !validSubject(subject) {
		return nil, fmt.Errorf("%w: invalid subject %q", ErrModelNotFound, subject)
	}
	if !r.subjectExists(subject) {
		return nil, fmt.Errorf("%w: no artifacts for %q", ErrModelNotFound, subject)
	}
	return r.model(ctx, subject)
}

// model loads the classifier of an existing subject directory. The version
// it reports comes from cached metadata only; it never reads the descriptor.
func (r *Registry) model(ctx context.Context, subject string) (ml.Classifier, error) {
	var version string
	if md, ok := lookup(r, r.metadata, subject); ok {
		version = md.Version
	}
	gen := r.currentGeneration()
	v, err := r.do(ctx, "model/"+subject, func() (any, error) {
		if model, ok := lookup(r, r.models, subject); ok {
			return model, nil
		}
		start := time.Now()
		model, format, err := r.readModel(subject)
		if err != nil {
			r.logger.Error("model load failed", zap.String("subject", subject), zap.Error(err))
			r.emit(Event{Type: EventModelFailed, Subject: subject, Format: format, Error: err.Error(), Duration: time.Since(start)})
			return nil, err
		}
		publish(r, r.models, gen, subject, model)
		r.logger.Info("loaded model",
			zap.String("subject", subject),
			zap.String("format", format),
			zap.String("version", version),
			zap.Duration("took", time.Since(start)))
		r.emit(Event{Type: EventModelLoaded, Subject: subject, Version: version, Format: format, Duration: time.Since(start)})
		return model, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ml.Classifier), nil
}

// Explainer reports false when the subject has no usable explainer. That is
// a degraded mode, not an error; the reason is logged.
func (r *Registry) Explainer(ctx context.Context, subject string) (ml.Explainer, bool) {
	if explainer, ok := lookup(r, r.explainers, subject); ok {
		return explainer, true
	}
	if !validSubject(subject) {
		return nil, false
	}

	gen := r.currentGeneration()
	v, err := r.do(ctx, "explainer/"+subject, func() (any, error) {
		if explainer, ok := lookup(r, r.explainers, subject); ok {
			return explainer, nil
		}
		start := time.Now()
		payload, err := fs.ReadFile(r.fsys, path.Join(subject, ml.ExplainerFile))
		if errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("explainer not found", zap.String("subject", subject))
			return nil, nil
		}
		if err == nil {
			var explainer ml.Explainer
			explainer, err = ml.DecodeExplainer(bytes.NewReader(payload))
			if err == nil {
				publish(r, r.explainers, gen, subject, explainer)
				r.logger.Info("loaded explainer", zap.String("subject", subject), zap.Duration("took", time.Since(start)))
				r.emit(Event{Type: EventExplainerLoaded, Subject: subject, Duration: time.Since(start)})
				return explainer, nil
			}
		}
		r.logger.Error("explainer load failed", zap.String("subject", subject), zap.Error(err))
		r.emit(Event{Type: EventExplainerFailed, Subject: subject, Error: err.Error(), Duration: time.Since(start)})
		return nil, nil
	})
	if err != nil || v == nil {
		return nil, false
	}
	explainer, ok := v.(ml.Explainer)
	return explainer, ok && explainer != nil
}

// Subjects lists the subject directories that hold a classifier artifact.
func (r *Registry) Subjects() []string {
	entries, err := fs.ReadDir(r.fsys, ".")
	if err != nil {
		r.logger.Warn("cannot list artifact root", zap.String("root", r.root), zap.Error(err))
		return []string{}
	}
	subjects := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if r.exists(path.Join(entry.Name(), ml.ModelFile)) || r.exists(path.Join(entry.Name(), ml.FallbackModelFile)) {
			subjects = append(subjects, entry.Name())
		}
	}
	sort.Strings(subjects)
	return subjects
}

// ClearCache evicts every cached artifact at once. Loads already in flight
// finish but do not repopulate the cache.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	r.generation++
	r.metadata.Purge()
	r.models.Purge()
	r.explainers.Purge()
	r.mu.Unlock()

	r.logger.Info("model cache cleared")
	r.emit(Event{Type: EventCacheCleared})
}

// Evict drops one subject from all three caches.
func (r *Registry) Evict(subject string) {
	r.mu.Lock()
	r.generation++
	r.metadata.Remove(subject)
	r.models.Remove(subject)
	r.explainers.Remove(subject)
	r.mu.Unlock()

	r.logger.Info("subject evicted", zap.String("subject", subject))
	r.emit(Event{Type: EventSubjectEvicted, Subject: subject})
}

func (r *Registry) readModel(subject string) (ml.Classifier, string, error) {
	modelPath := path.Join(subject, ml.ModelFile)
	payload, err := fs.ReadFile(r.fsys, modelPath)
	switch {
	case err == nil:
		model, err := ml.DecodeModel(bytes.NewReader(payload))
		if err != nil {
			return nil, formatJSON, fmt.Errorf("%w: %s: %w", ErrModelUnavailable, modelPath, err)
		}
		return model, formatJSON, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, formatJSON, fmt.Errorf("%w: %s: %w", ErrModelUnavailable, modelPath, err)
	}

	fallbackPath := path.Join(subject, ml.FallbackModelFile)
	f, err := r.fsys.Open(fallbackPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: no model for %s, expected %s or %s", ErrModelNotFound, subject, modelPath, fallbackPath)
	}
	if err != nil {
		return nil, formatONNX, fmt.Errorf("%w: %s: %w", ErrModelUnavailable, fallbackPath, err)
	}
	defer f.Close()

	if r.fallback == nil {
		return nil, formatONNX, fmt.Errorf("%w: %s exists for %s but no %s runtime is installed", ErrModelUnavailable, fallbackPath, subject, formatONNX)
	}
	model, err := r.fallback(f)
	if err != nil {
		return nil, formatONNX, fmt.Errorf("%w: %s: %w", ErrModelUnavailable, fallbackPath, err)
	}
	return model, formatONNX, nil
}

// do runs fn once per key across concurrent callers and waits for the result
// within the caller's context and the configured load timeout.
func (r *Registry) do(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	if r.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.loadTimeout)
		defer cancel()
	}
	ctx, span := r.tracer.Start(ctx, "registry.load", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	ch := r.group.DoChan(key, fn)
	select {
	case res := <-ch:
		span.SetAttributes(attribute.Bool("shared", res.Shared))
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		return res.Val, res.Err
	case <-ctx.Done():
		err := fmt.Errorf("waiting for %s: %w", key, ctx.Err())
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
}

func (r *Registry) currentGeneration() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// publish stores v unless the cache was cleared since the load started.
func publish[V any](r *Registry, cache *lru.Cache[string, V], gen uint64, key string, v V) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.generation != gen {
		return
	}
	cache.Add(key, v)
}

func lookup[V any](r *Registry, cache *lru.Cache[string, V], key string) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cache.Get(key)
}

func (r *Registry) exists(name string) bool {
	_, err := fs.Stat(r.fsys, name)
	return err == nil
}

func (r *Registry) subjectExists(subject string) bool {
	info, err := fs.Stat(r.fsys, subject)
	return err == nil && info.IsDir()
}

func (r *Registry) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()
	for _, l := range listeners {
		l.OnEvent(e)
	}
}

func validSubject(subject string) bool {
	return subject != "" && subject != "." && !strings.ContainsAny(subject, `/\`) && fs.ValidPath(subject)
}

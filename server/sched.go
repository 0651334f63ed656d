package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jmorganca/whisper/envconfig"
	"github.com/jmorganca/whisper/runner/whisperrunner"
)

var (
	errInvalidModelName = errors.New("invalid model name")
	errModelNotFound    = errors.New("model not found")
)

// Scheduler keeps one runner per model name. Runners load on first use and
// stay loaded until the scheduler closes.
type Scheduler struct {
	mu      sync.Mutex
	runners map[string]*whisperrunner.Runner

	loading singleflight.Group
	load    func(name string) (*whisperrunner.Runner, error)
}

func NewScheduler(load func(name string) (*whisperrunner.Runner, error)) *Scheduler {
	return &Scheduler{
		runners: make(map[string]*whisperrunner.Runner),
		load:    load,
	}
}

func checkModelName(name string) error {
	if name == "" || !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", errInvalidModelName, name)
	}

	return nil
}

// GetRunner returns the runner for name, loading it if needed. Concurrent
// callers share a single load.
func (s *Scheduler) GetRunner(name string) (*whisperrunner.Runner, error) {
	if err := checkModelName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	r, ok := s.runners[name]
	s.mu.Unlock()
	if ok {
		return r, nil
	}

	v, err, _ := s.loading.Do(name, func() (any, error) {
		s.mu.Lock()
		r, ok := s.runners[name]
		s.mu.Unlock()
		if ok {
			return r, nil
		}

		slog.Info("loading model", "name", name)
		r, err := s.load(name)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.runners[name] = r
		s.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*whisperrunner.Runner), nil
}

// Loaded lists the names of loaded models
func (s *Scheduler) Loaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.runners))
	for name := range s.runners {
		names = append(names, name)
	}

	return names
}

func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, r := range s.runners {
		slog.Debug("unloading model", "name", name)
		r.Close()
		delete(s.runners, name)
	}
}

// loadFromModels loads name from the models directory with the process
// settings
func loadFromModels(name string) (*whisperrunner.Runner, error) {
	dir := filepath.Join(envconfig.Models(), name)
	if fi, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) || (err == nil && !fi.IsDir()) {
		return nil, fmt.Errorf("%w: %q", errModelNotFound, name)
	} else if err != nil {
		return nil, err
	}

	return whisperrunner.Load(dir, whisperrunner.LoadParams{
		NumThreads:   int(envconfig.NumThreads()),
		Parallel:     int(envconfig.NumParallel()),
		Quantization: envconfig.Quantization(),
	})
}

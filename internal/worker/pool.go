package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andresmejia3/facequeue/internal/types"
)

// engine is what the pool hands out; PythonWorker satisfies it.
type engine interface {
	ProcessImage(img []byte) (types.Embedding, error)
	Close()
}

type spawnFunc func(ctx context.Context, id int) (engine, error)

// Pool serves Extract calls from a fixed set of long-lived engines.
// An engine that crashes is replaced before it goes back into the pool.
type Pool struct {
	engines chan engine
	spawn   spawnFunc
	logger  *slog.Logger

	mu        sync.Mutex
	closed    bool
	all       map[engine]struct{}
	exhausted chan struct{} // closed once no engine is left
}

// ErrPoolExhausted is returned when every engine has died and none could be restarted.
var ErrPoolExhausted = errors.New("no embedding engine available")

// NewPool starts size python engines.
func NewPool(ctx context.Context, size int, cfg EngineConfig, logger *slog.Logger) (*Pool, error) {
	return newPool(ctx, size, func(ctx context.Context, id int) (engine, error) {
		return NewPythonWorker(ctx, id, cfg)
	}, logger)
}

func newPool(ctx context.Context, size int, spawn spawnFunc, logger *slog.Logger) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		engines:   make(chan engine, size),
		spawn:     spawn,
		logger:    logger,
		all:       make(map[engine]struct{}, size),
		exhausted: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		e, err := spawn(ctx, i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to start engine %d: %w", i, err)
		}
		p.all[e] = struct{}{}
		p.engines <- e
	}
	return p, nil
}

// Extract borrows an engine for one image.
func (p *Pool) Extract(ctx context.Context, img []byte) (types.Embedding, error) {
	var e engine
	select {
	case e = <-p.engines:
	case <-p.exhausted:
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	vec, err := e.ProcessImage(img)

	var crash *CrashError
	if errors.As(err, &crash) {
		p.logger.Warn("embedding engine crashed, restarting", "engine", crash.ID, "error", crash.Err)
		e = p.replace(ctx, e, crash.ID)
	}
	if e != nil {
		p.engines <- e
	}
	return vec, err
}

// replace closes a dead engine and spawns a successor. It returns nil when
// no successor could be started; the pool then runs one engine short.
func (p *Pool) replace(ctx context.Context, dead engine, id int) engine {
	dead.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.all, dead)
	if p.closed {
		return nil
	}
	next, err := p.spawn(context.WithoutCancel(ctx), id)
	if err != nil {
		p.logger.Error("failed to restart embedding engine", "engine", id, "error", err)
		if len(p.all) == 0 {
			close(p.exhausted)
		}
		return nil
	}
	p.all[next] = struct{}{}
	return next
}

// Close shuts down every engine.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for e := range p.all {
		e.Close()
	}
	p.all = nil
}

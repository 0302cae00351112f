package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/facetag/internal/detector"
	"github.com/andresmejia3/facetag/internal/types"
	"go.uber.org/zap"
)

// starter launches a worker; swapped in tests.
type starter func(ctx context.Context, id int) (*Worker, error)

type lane struct {
	worker   *Worker
	pipeline *detector.Pipeline
}

// Pool spreads detection requests over several worker processes. It implements
// detector.Backend; each request holds one worker for its whole
// detect -> landmarks -> embed sequence.
type Pool struct {
	name   string
	ctx    context.Context
	start  starter
	logger *zap.Logger

	mu    sync.Mutex
	lanes []*lane
	idle  chan *lane
}

// NewPool starts n workers. ctx bounds the lifetime of the processes.
func NewPool(ctx context.Context, cfg Config, n int, logger *zap.Logger) (*Pool, error) {
	start := func(ctx context.Context, id int) (*Worker, error) {
		return New(ctx, id, cfg)
	}
	return newPool(ctx, "worker:"+cfg.Command, n, start, logger)
}

func newPool(ctx context.Context, name string, n int, start starter, logger *zap.Logger) (*Pool, error) {
	if n < 1 {
		n = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		name:   name,
		ctx:    ctx,
		start:  start,
		logger: logger,
		idle:   make(chan *lane, n),
	}
	for i := 0; i < n; i++ {
		w, err := start(ctx, i)
		if err != nil {
			p.Close()
			return nil, err
		}
		l := p.newLane(w)
		p.lanes = append(p.lanes, l)
		p.idle <- l
	}
	return p, nil
}

func (p *Pool) newLane(w *Worker) *lane {
	return &lane{
		worker:   w,
		pipeline: detector.NewPipeline(p.name, w, w, w, w),
	}
}

func (p *Pool) Name() string { return p.name }

// Size is the number of worker processes.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes)
}

// LoadModels loads the models in every worker in parallel.
func (p *Pool) LoadModels(ctx context.Context) error {
	p.mu.Lock()
	lanes := append([]*lane(nil), p.lanes...)
	p.mu.Unlock()

	errs := make([]error, len(lanes))
	var wg sync.WaitGroup
	for i, l := range lanes {
		wg.Add(1)
		go func(i int, l *lane) {
			defer wg.Done()
			if err := l.worker.LoadModels(ctx); err != nil {
				errs[i] = fmt.Errorf("worker %d: %w", l.worker.ID, err)
			}
		}(i, l)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (p *Pool) DetectAll(ctx context.Context, image []byte) ([]types.Detection, error) {
	l, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(l)
	return l.pipeline.DetectAll(ctx, image)
}

func (p *Pool) DetectSingle(ctx context.Context, image []byte) (*types.Detection, error) {
	l, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(l)
	return l.pipeline.DetectSingle(ctx, image)
}

func (p *Pool) acquire(ctx context.Context) (*lane, error) {
	select {
	case l := <-p.idle:
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns a lane to the pool, replacing its worker first if it broke.
// A replacement has to load its models again before it is handed out.
func (p *Pool) release(l *lane) {
	if !l.worker.Broken() {
		p.idle <- l
		return
	}

	id := l.worker.ID
	p.logger.Warn("replacing broken worker", zap.Int("worker", id), zap.String("logs", l.worker.Cmd.Logs()))
	l.worker.Close()

	w, err := p.start(p.ctx, id)
	if err == nil {
		err = w.LoadModels(p.ctx)
		if err != nil {
			w.Close()
		}
	}
	if err != nil {
		// Keep the broken lane so the pool size stays stable; callers get ErrBroken.
		p.logger.Error("worker restart failed", zap.Int("worker", id), zap.Error(err))
		p.idle <- l
		return
	}

	fresh := p.newLane(w)
	p.mu.Lock()
	for i := range p.lanes {
		if p.lanes[i] == l {
			p.lanes[i] = fresh
		}
	}
	p.mu.Unlock()
	p.idle <- fresh
}

// Close stops every worker process.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.lanes {
		l.worker.Close()
	}
	p.lanes = nil
}

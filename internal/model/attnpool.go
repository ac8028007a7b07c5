package model

import (
	"runtime"

	"github.com/samcharles93/ember/internal/tensor"
)

// headJob is a contiguous range of query heads for one attention step.
type headJob struct {
	step   *attnStep
	lo, hi int
	done   chan struct{}
}

// attnStep describes single-token attention over cached positions 0..pos.
type attnStep struct {
	q, keys, values []float32
	out             []float32

	pos             int
	stride, headDim int
	nHead, kvHeads  int
	scale           float32
}

// headPool runs attention heads on persistent workers. Each worker owns a
// scores buffer long enough for the full context.
type headPool struct {
	workers int
	jobs    chan headJob
	slots   chan chan struct{}
	scores  []float32
	maxCtx  int
}

func headWorkers(nHead int) int {
	n := runtime.GOMAXPROCS(0)
	if nHead > 0 && n > nHead {
		n = nHead
	}
	return max(n, 1)
}

func newHeadPool(workers, maxCtx int) *headPool {
	workers = max(workers, 1)
	maxCtx = max(maxCtx, 1)
	p := &headPool{
		workers: workers,
		jobs:    make(chan headJob, workers*2),
		slots:   make(chan chan struct{}, workers),
		scores:  make([]float32, (workers+1)*maxCtx),
		maxCtx:  maxCtx,
	}
	for range workers {
		p.slots <- make(chan struct{}, workers)
	}
	for w := range workers {
		buf := p.scores[w*maxCtx : (w+1)*maxCtx]
		go func() {
			for job := range p.jobs {
				attendHeads(job.step, buf, job.lo, job.hi)
				job.done <- struct{}{}
			}
		}()
	}
	return p
}

// run spreads the heads of step across the workers and waits for them. With a
// single worker the heads run on the calling goroutine.
func (p *headPool) run(step *attnStep) {
	if p.workers <= 1 {
		attendHeads(step, p.scores[p.workers*p.maxCtx:], 0, step.nHead)
		return
	}
	chunk := (step.nHead + p.workers - 1) / p.workers
	done := <-p.slots
	active := 0
	for lo := 0; lo < step.nHead; lo += chunk {
		hi := min(lo+chunk, step.nHead)
		p.jobs <- headJob{step: step, lo: lo, hi: hi, done: done}
		active++
	}
	for range active {
		<-done
	}
	p.slots <- done
}

func attendHeads(s *attnStep, scoresBuf []float32, lo, hi int) {
	n := s.pos + 1
	if n > len(scoresBuf) {
		panic("attention scores buffer too small")
	}
	scores := scoresBuf[:n]
	group := s.nHead / s.kvHeads
	for h := lo; h < hi; h++ {
		kvHead := h / group
		qh := s.q[h*s.headDim : (h+1)*s.headDim]
		for t := range n {
			off := t*s.stride + kvHead*s.headDim
			scores[t] = tensor.Dot(qh, s.keys[off:off+s.headDim]) * s.scale
		}
		tensor.Softmax(scores)
		out := s.out[h*s.headDim : (h+1)*s.headDim]
		for d := range s.headDim {
			var sum float32
			for t := range n {
				sum += scores[t] * s.values[t*s.stride+kvHead*s.headDim+d]
			}
			out[d] = sum
		}
	}
}

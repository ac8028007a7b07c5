package tensor

import (
	"runtime"
	"sync"
)

// Matrices smaller than this many elements are multiplied on the calling
// goroutine; the pool hand-off costs more than it saves.
const parallelMatVecMin = 1 << 16

type matVecTask struct {
	dst    []float32
	w      *Mat
	x      []float32
	rs, re int
	wg     *sync.WaitGroup
}

type matVecPool struct {
	size  int
	tasks chan matVecTask
}

var (
	matVecWorkPool *matVecPool
	matVecPoolOnce sync.Once
)

func getMatVecPool() *matVecPool {
	matVecPoolOnce.Do(func() {
		size := max(runtime.GOMAXPROCS(0), 1)
		p := &matVecPool{
			size:  size,
			tasks: make(chan matVecTask, size*2),
		}
		for range size {
			go func() {
				for task := range p.tasks {
					matVecRange(task.dst, task.w, task.x, task.rs, task.re)
					task.wg.Done()
				}
			}()
		}
		matVecWorkPool = p
	})
	return matVecWorkPool
}

// MatVec computes dst = w * x, with len(dst) == w.R and len(x) == w.C.
// Every row is reduced in the same order regardless of how rows are split
// across workers, so results are identical run to run.
func MatVec(dst []float32, w *Mat, x []float32) {
	if len(dst) < w.R || len(x) < w.C {
		panic("MatVec: dimension mismatch")
	}
	if w.R*w.C < parallelMatVecMin {
		matVecRange(dst, w, x, 0, w.R)
		return
	}
	pool := getMatVecPool()
	chunk := (w.R + pool.size - 1) / pool.size
	var wg sync.WaitGroup
	for rs := 0; rs < w.R; rs += chunk {
		re := min(rs+chunk, w.R)
		wg.Add(1)
		pool.tasks <- matVecTask{dst: dst, w: w, x: x, rs: rs, re: re, wg: &wg}
	}
	wg.Wait()
}

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	c := w.C
	switch w.DType {
	case F32:
		for i := rs; i < re; i++ {
			dst[i] = Dot(w.Data[i*c:(i+1)*c], x[:c])
		}
	case F16:
		for i := rs; i < re; i++ {
			row := w.Half[i*c : (i+1)*c]
			var sum float32
			for j, u := range row {
				sum += f16ToF32(u) * x[j]
			}
			dst[i] = sum
		}
	case BF16:
		for i := rs; i < re; i++ {
			row := w.Half[i*c : (i+1)*c]
			var sum float32
			for j, u := range row {
				sum += bf16ToF32(u) * x[j]
			}
			dst[i] = sum
		}
	default:
		panic("MatVec: unsupported dtype")
	}
}

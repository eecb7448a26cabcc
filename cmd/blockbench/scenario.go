package main

import (
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/blockpool/blockpool"
)

// scenarioFile is the top-level shape of a -scenarios YAML file.
type scenarioFile struct {
	Scenarios []scenario `yaml:"scenarios"`
}

// scenario is one allocation workload: a number of goroutines issuing a
// mixed Allocate/Free stream against a shared general allocator, with an
// optional MMF leg that exercises the page-granular path on a real file.
type scenario struct {
	Name       string `yaml:"name"`
	Goroutines int    `yaml:"goroutines"`
	Ops        int    `yaml:"ops"`
	MinSize    int    `yaml:"min_size"`
	MaxSize    int    `yaml:"max_size"`
	Seed       int64  `yaml:"seed"`

	MMF *mmfScenario `yaml:"mmf"`
}

// mmfScenario describes the optional MMF leg: the file is created (or
// reused) at Path, Pages pages are allocated per goroutine, filled with a
// deterministic pattern, verified, and freed.
type mmfScenario struct {
	Path      string `yaml:"path"`
	PageSize  int    `yaml:"page_size"`
	PageCount int    `yaml:"page_count"`
	Pages     int    `yaml:"pages"`
}

func defaultScenarios() []scenario {
	return []scenario{
		{Name: "small-churn", Goroutines: 4, Ops: 200000, MinSize: 16, MaxSize: 1024, Seed: 1},
		{Name: "mixed-classes", Goroutines: 4, Ops: 50000, MinSize: 16, MaxSize: 48 << 10, Seed: 2},
	}
}

func (sc scenario) run(verbose bool) error {
	if sc.Goroutines < 1 || sc.Ops < 1 || sc.MinSize < 0 || sc.MaxSize < sc.MinSize {
		return fmt.Errorf("invalid scenario parameters")
	}

	pool := blockpool.New()
	defer pool.Dispose()

	var (
		mu       sync.Mutex
		floating []blockpool.Block
	)

	eg := new(errgroup.Group)
	for w := 0; w < sc.Goroutines; w++ {
		rng := rand.New(rand.NewSource(sc.Seed + int64(w)))
		eg.Go(func() error {
			var local []blockpool.Block
			for i := 0; i < sc.Ops; i++ {
				switch rng.Intn(4) {
				case 0, 1:
					size := int64(sc.MinSize)
					if sc.MaxSize > sc.MinSize {
						size += int64(rng.Intn(sc.MaxSize - sc.MinSize + 1))
					}
					b, err := pool.Allocate(size)
					if err != nil {
						return err
					}
					local = append(local, b)
				case 2:
					if n := len(local); n > 0 {
						b := local[n-1]
						local = local[:n-1]
						if _, err := pool.Free(b); err != nil {
							return err
						}
					}
				case 3:
					// Cross-goroutine churn: park a block for any worker
					// to free, or adopt and free a parked one.
					mu.Lock()
					if n := len(floating); n > 0 && rng.Intn(2) == 0 {
						b := floating[n-1]
						floating = floating[:n-1]
						mu.Unlock()
						if _, err := pool.Free(b); err != nil {
							return err
						}
					} else {
						if n := len(local); n > 0 {
							floating = append(floating, local[n-1])
							local = local[:n-1]
						}
						mu.Unlock()
					}
				}
			}
			mu.Lock()
			floating = append(floating, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for _, b := range floating {
		ok, err := pool.Free(b)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("drain: free reported an unknown block")
		}
	}
	if err := pool.SanityCheck(); err != nil {
		return err
	}
	if live := pool.LiveBlocks(); live != 0 {
		return fmt.Errorf("%d blocks leaked", live)
	}
	if verbose {
		fmt.Printf("     %s: %d goroutines x %d ops drained clean\n", sc.Name, sc.Goroutines, sc.Ops)
	}

	if sc.MMF != nil {
		if err := sc.runMMF(verbose); err != nil {
			return err
		}
	}
	return nil
}

func (sc scenario) runMMF(verbose bool) error {
	m := sc.MMF
	pool, err := blockpool.OpenMMF(m.Path, blockpool.MMFOptions{
		PageSize:  m.PageSize,
		PageCount: m.PageCount,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	pages := m.Pages
	if pages < 1 {
		pages = 1
	}

	eg := new(errgroup.Group)
	for w := 0; w < sc.Goroutines; w++ {
		pattern := byte(w + 1)
		eg.Go(func() error {
			seg, err := pool.AllocatePages(pages)
			if err != nil {
				return err
			}
			body := seg.Bytes()
			for i := range body {
				body[i] = pattern
			}
			for i, v := range body {
				if v != pattern {
					return fmt.Errorf("mmf: byte %d read back %#x, want %#x", i, v, pattern)
				}
			}
			if !pool.FreePages(seg) {
				return fmt.Errorf("mmf: free rejected a live segment")
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if err := pool.SanityCheck(); err != nil {
		return err
	}
	if verbose {
		fmt.Printf("     %s: mmf leg drained clean (%s)\n", sc.Name, m.Path)
	}
	return nil
}

// nvmcd brings the persistent slab core up the way the daemon would:
// open the pools, run recovery before admitting anything, start the
// rebalancer, dump the slab stats, and shut down cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/LPD-EPFL/nv-memcached/ast"
	"github.com/LPD-EPFL/nv-memcached/epoch"
	"github.com/LPD-EPFL/nv-memcached/index"
	"github.com/LPD-EPFL/nv-memcached/internal/utils"
	"github.com/LPD-EPFL/nv-memcached/slabs"
)

func main() {
	settings := slabs.DefaultSettings()

	var threads int
	flag.Uint64Var(&settings.MemoryLimit, "memory-limit", settings.MemoryLimit, "memory budget in bytes, 0 = unlimited")
	flag.Float64Var(&settings.GrowthFactor, "growth-factor", settings.GrowthFactor, "chunk size growth factor")
	flag.BoolVar(&settings.Prealloc, "prealloc", false, "reserve the full budget up front")
	flag.Uint64Var(&settings.ItemSizeMax, "item-size-max", settings.ItemSizeMax, "largest chunk size")
	flag.Uint64Var(&settings.ChunkSize, "chunk-size", settings.ChunkSize, "seed for the smallest class")
	flag.IntVar(&settings.SlabAutomove, "slab-automove", 0, "enable the rebalance decider")
	flag.IntVar(&settings.Verbose, "verbose", 0, "diagnostic verbosity")
	flag.StringVar(&settings.PoolPath, "pool", settings.PoolPath, "slab pool path")
	flag.IntVar(&threads, "threads", 4, "worker thread count")
	trackerDir := flag.String("tracker-dir", "/tmp", "directory for per-thread tracker pools")
	flag.Parse()

	log := utils.VerbosityLogger("nvmcd", settings.Verbose)

	alloc, err := slabs.New(settings)
	if err != nil {
		log.Error("slab init failed", utils.Err(err))
		os.Exit(1)
	}

	shutdown := utils.NewGracefulShutdown(30*time.Second, log)
	shutdown.Register(alloc.Close)

	registry := epoch.NewRegistry()
	tables := make([]*ast.Table, 0, threads)
	workers := make([]*slabs.Thread, 0, threads)
	for i := 0; i < threads; i++ {
		table, err := ast.Create(*trackerDir, i, log)
		if err != nil {
			log.Error("tracker init failed", utils.Int("thread", i), utils.Err(err))
			os.Exit(1)
		}
		shutdown.Register(table.Close)
		tables = append(tables, table)
		workers = append(workers, &slabs.Thread{Table: table, Clock: registry.Register(i)})
	}

	// The index is the front-end's; an empty one stands in here. Recovery
	// must finish before any request is admitted.
	idx := index.New(index.DefaultHashPower)
	recovered, err := alloc.Recover(tables, idx)
	if err != nil {
		log.Error("recovery failed", utils.Err(err))
		os.Exit(1)
	}
	log.Info("recovery complete",
		utils.Int("pages", recovered.PagesScanned),
		utils.Int("repaired", recovered.ChunksRepaired),
		utils.Int("dropped", recovered.EntriesDropped))

	if settings.SlabReassign {
		err = alloc.StartRebalancer(slabs.RebalancerOptions{
			Index:  idx,
			Thread: workers[0],
		})
		if err != nil {
			log.Error("rebalancer start failed", utils.Err(err))
			os.Exit(1)
		}
		shutdown.Register(func() error {
			alloc.StopRebalancer()
			return nil
		})
	}

	alloc.Stats(func(key, val string) {
		fmt.Printf("STAT %s %s\n", key, val)
	}, nil)

	if err := shutdown.Shutdown(context.Background()); err != nil {
		os.Exit(1)
	}
}

// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command oakmap-bench drives a synthetic put/get workload against
// an oakmap.Map, the way lldb/db_bench profiles lldb.Allocator/lldb.BTree:
// a throwaway driver exercising the library end to end rather than a
// supported tool.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SteveYurongSu/Oak/internal/kvcodec"
	"github.com/SteveYurongSu/Oak/oakmap"
)

func main() {
	keys := flag.Int("keys", 200_000, "distinct int64 keys to exercise")
	goroutines := flag.Int("goroutines", 8, "concurrent writer goroutines")
	chunkCap := flag.Int("chunk-capacity", 4096, "max live entries per chunk")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	defer log.Sync()

	m := oakmap.New[int64, int64](
		0,
		kvcodec.Int64Comparator{},
		kvcodec.Int64Serializer{},
		kvcodec.Int64Serializer{},
		oakmap.Options{ChunkCapacity: *chunkCap, Logger: log},
	)
	defer m.Close()

	start := time.Now()
	var wg sync.WaitGroup
	perWorker := *keys / *goroutines

	for w := 0; w < *goroutines; w++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for i := int64(0); i < int64(perWorker); i++ {
				key := base + i
				if err := m.Put(key, key*2); err != nil {
					log.Error("put failed", zap.Int64("key", key), zap.Error(err))
				}
			}
		}(int64(w * perWorker))
	}
	wg.Wait()
	log.Info("load phase done", zap.Duration("elapsed", time.Since(start)), zap.Int("keys", *keys))

	var hits, misses int
	for i := 0; i < 10_000; i++ {
		key := rand.Int64N(int64(*keys))
		if _, found, err := m.Get(key); err != nil {
			log.Error("get failed", zap.Int64("key", key), zap.Error(err))
		} else if found {
			hits++
		} else {
			misses++
		}
	}
	log.Info("read sample done", zap.Int("hits", hits), zap.Int("misses", misses))
}

// Package pipecache caches translated shaders and render pipeline state
// objects for a guest GPU command processor.
//
// # Overview
//
// pipecache sits between a guest register state snapshot and a host GPU
// backend. Draw setup asks it for the pipeline matching the current
// state; the cache answers from memory when it can, and otherwise
// translates the guest shaders, builds a canonical pipeline description
// and hands creation to background workers so the submission thread
// never blocks on the driver.
//
// # Quick Start
//
//	import (
//		"github.com/gogpu/pipecache"
//		nagacompiler "github.com/gogpu/pipecache/backend/naga"
//		wgpubackend "github.com/gogpu/pipecache/backend/wgpu"
//	)
//
//	backend, err := wgpubackend.New(deviceProvider)
//	if err != nil {
//		return err
//	}
//	cache := pipecache.New(nagacompiler.New(), backend,
//		pipecache.WithStorageRoot(cacheDir))
//	cache.InitializeStorage(titleID)
//
//	// Per draw:
//	vs := cache.LoadShader(pipecache.ShaderKindVertex, vsMicrocode)
//	fs := cache.LoadShader(pipecache.ShaderKindFragment, fsMicrocode)
//	pipeline, err := cache.ConfigurePipeline(vs, fs, snapshot, draw)
//
//	// Before presenting:
//	cache.EndSubmission()
//
// # Architecture
//
// The package is organized into:
//   - Cache: shader registry, pipeline table, layout interner
//   - Description: canonical fixed-size pipeline state key
//   - Builder: guest register snapshot to description derivation
//   - Creation: background pipeline creation worker pool
//   - Storage: append-only shader and pipeline logs with replay
//   - Backends: backend/naga (WGSL translation), backend/wgpu (HAL)
//
// # Persistence
//
// With a storage root configured, translated shaders and pipeline
// descriptions append to per-scope log files. Reopening the same scope
// replays them, so a second run reaches steady state without guest
// traffic. Damaged files degrade to shorter ones, never to errors the
// caller sees at draw time.
//
// # Concurrency
//
// ConfigurePipeline and LoadShader are called from the submission
// thread. Pipeline creation, storage writing and replay run on their
// own goroutines; AwaitCreations and EndSubmission are the
// synchronization points. Stats may be read from any goroutine.
package pipecache

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)

package pipecache

// Option configures a Cache during creation.
// Use functional options to customize Cache behavior.
//
// Example:
//
//	// Default: worker count derived from available parallelism.
//	cache := pipecache.New(compiler, backend)
//
//	// Synchronous creation on the submission goroutine, no workers:
//	cache := pipecache.New(compiler, backend, pipecache.WithWorkers(0))
type Option func(*config)

// config holds optional configuration for Cache creation.
type config struct {
	// workers is the creation worker count. Negative means auto-compute
	// from available parallelism; zero disables asynchronous creation.
	workers int

	// storageRoot is the directory that holds the persistent store logs.
	// Empty disables persistence entirely.
	storageRoot string

	// deferredReplay makes InitializeStorage return immediately and run
	// the store replay on its own goroutine.
	deferredReplay bool
}

// defaultConfig returns the default cache options.
func defaultConfig() config {
	return config{
		workers:     -1, // auto
		storageRoot: "",
	}
}

// WithWorkers sets the number of creation workers.
//
// n > 0 uses exactly n workers, capped at the available parallelism.
// n == 0 disables asynchronous creation: the goroutine that configures a
// pipeline creates the backend object itself. n < 0 (the default) uses
// three quarters of the available parallelism, and at least one worker,
// leaving headroom for the submission goroutine.
func WithWorkers(n int) Option {
	return func(c *config) {
		c.workers = n
	}
}

// WithStorageRoot enables the persistent store and sets the directory that
// holds its log files. Each cache scope passed to [Cache.InitializeStorage]
// gets its own shader/pipeline log pair under this directory.
//
// Without this option the cache runs memory-only and InitializeStorage
// reports [ErrStorageDisabled].
func WithStorageRoot(path string) Option {
	return func(c *config) {
		c.storageRoot = path
	}
}

// WithDeferredReplay makes [Cache.InitializeStorage] return as soon as the
// store files are opened, running the replay of persisted shaders and
// pipelines on a separate goroutine. [Cache.ShutdownStorage] (and
// [Cache.Shutdown]) join the replay before proceeding.
//
// By default InitializeStorage blocks until the replay completes.
func WithDeferredReplay() Option {
	return func(c *config) {
		c.deferredReplay = true
	}
}

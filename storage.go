package pipecache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gogpu/pipecache/internal/parallel"
	"github.com/gogpu/pipecache/internal/storefile"
)

// ErrStorageDisabled is returned by InitializeStorage when the cache was
// built without a storage root.
var ErrStorageDisabled = errors.New("pipecache: persistent storage disabled")

// creationBurstHighWater bounds the replay creation queue: once more
// pipelines than this are pending, the load coordinator waits for the
// workers to catch up before scanning further records.
const creationBurstHighWater = 256

// replayBatchSize is how many replayed pipelines are queued per wakeup.
const replayBatchSize = 32

// cacheStorage tracks the persistence state of a Cache. The writer
// pointer is nil until a load completes and after ShutdownStorage.
type cacheStorage struct {
	writer atomic.Pointer[storeWriter]

	mu       sync.Mutex
	loadDone chan struct{}
	scope    string
}

// InitializeStorage opens the log pair for scope under the configured
// storage root, replays previously persisted shaders and pipelines into
// the cache, and starts persisting new ones. A cache whose storage was
// already initialized is switched to the new scope.
//
// With WithDeferredReplay the replay runs on its own goroutine and
// InitializeStorage returns immediately; a replay failure is then logged
// instead of returned. ShutdownStorage joins an in-flight replay.
func (c *Cache) InitializeStorage(scope string) error {
	if c.config.storageRoot == "" {
		return ErrStorageDisabled
	}
	if scope == "" {
		return errors.New("pipecache: empty storage scope")
	}
	c.ShutdownStorage()

	if c.config.deferredReplay {
		c.startDeferredLoad(scope)
		return nil
	}

	c.setScope(scope)
	if err := c.loadStorage(scope); err != nil {
		c.setScope("")
		return err
	}
	return nil
}

// ShutdownStorage joins any in-flight replay and stops the storage
// writer, abandoning records still queued for write. The in-memory cache
// is unaffected.
func (c *Cache) ShutdownStorage() {
	c.storage.mu.Lock()
	done := c.storage.loadDone
	c.storage.loadDone = nil
	c.storage.scope = ""
	c.storage.mu.Unlock()
	if done != nil {
		<-done
	}

	if w := c.storage.writer.Swap(nil); w != nil {
		w.stop()
	}
}

// startDeferredLoad runs the load sequence on its own goroutine,
// joinable through ShutdownStorage.
func (c *Cache) startDeferredLoad(scope string) {
	done := make(chan struct{})
	c.storage.mu.Lock()
	c.storage.loadDone = done
	c.storage.scope = scope
	c.storage.mu.Unlock()
	go func() {
		defer close(done)
		if err := c.loadStorage(scope); err != nil {
			c.setScope("")
			Logger().Error("pipeline cache storage initialization failed",
				"scope", scope,
				"error", err)
		}
	}()
}

// activeScope returns the scope storage is (or is becoming) active for,
// or empty.
func (c *Cache) activeScope() string {
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()
	return c.storage.scope
}

func (c *Cache) setScope(scope string) {
	c.storage.mu.Lock()
	c.storage.scope = scope
	c.storage.mu.Unlock()
}

// storeShader queues one translated shader for persistence. A no-op
// while storage is inactive.
func (c *Cache) storeShader(s *Shader, modification uint64) {
	w := c.storage.writer.Load()
	if w == nil {
		return
	}
	w.appendShader(storefile.ShaderRecord{
		Hash:         s.contentHash,
		Modification: modification,
		Kind:         uint32(s.kind),
	}, s.dwords)
	atomic.AddUint64(&c.storedShaders, 1)
}

// storePipeline queues one pipeline description for persistence. A
// no-op while storage is inactive.
func (c *Cache) storePipeline(p *Pipeline) {
	w := c.storage.writer.Load()
	if w == nil {
		return
	}
	w.appendPipeline(p.hash, p.encoded[:])
	atomic.AddUint64(&c.storedPipelines, 1)
}

// requestStorageFlush asks the writer to sync whichever logs received
// appends since the last request.
func (c *Cache) requestStorageFlush() {
	if w := c.storage.writer.Load(); w != nil {
		w.requestFlush()
	}
}

// loadStorage runs the blocking load sequence: open and validate both
// logs, replay shaders through a transient translation pool, replay
// pipelines through a temporarily grown creation pool, truncate torn
// tails, and finally hand both logs to the writer goroutine.
func (c *Cache) loadStorage(scope string) error {
	root := c.config.storageRoot
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("pipecache: create storage root: %w", err)
	}

	shaderLog, err := storefile.OpenShaderLog(filepath.Join(root, scope+".shaders.bin"))
	if err != nil {
		return fmt.Errorf("pipecache: %w", err)
	}
	shaderCount, err := c.replayShaders(shaderLog)
	if err != nil {
		shaderLog.Close()
		return fmt.Errorf("pipecache: %w", err)
	}

	pipelineLog, err := storefile.OpenPipelineLog(
		filepath.Join(root, scope+".pipelines.bin"), storefile.APITagRender, DescriptionSize)
	if err != nil {
		shaderLog.Close()
		return fmt.Errorf("pipecache: %w", err)
	}
	pipelineCount, err := c.replayPipelines(pipelineLog)
	if err != nil {
		shaderLog.Close()
		pipelineLog.Close()
		return fmt.Errorf("pipecache: %w", err)
	}

	if shaderCount > 0 || pipelineCount > 0 {
		Logger().Info("pipeline cache storage replayed",
			"scope", scope,
			"shaders", shaderCount,
			"pipelines", pipelineCount)
	}

	w := newStoreWriter(shaderLog, pipelineLog)
	go w.run()
	c.storage.writer.Store(w)
	return nil
}

// replayShaders streams the shader log into the shader table and
// translates each record's modification on a transient pool. Records
// failing their content re-hash truncate the log. Shaders the replay
// itself inserted and could not translate at all are dropped again so the
// pipeline replay skips their records; entries live callers loaded first,
// or that picked up translations for modifications outside the replayed
// set, stay in the table so their holders remain valid.
func (c *Cache) replayShaders(log *storefile.ShaderLog) (int, error) {
	pool := parallel.NewWorkerPool(0)
	type replayedShader struct {
		inserted      bool
		modifications map[uint64]bool
	}
	replayed := make(map[*Shader]*replayedShader)

	accepted, err := log.Replay(func(rec storefile.ShaderRecord, dwords []uint32) bool {
		if rec.Kind > uint32(ShaderKindFragment) {
			return false
		}
		if hashDwords(dwords) != rec.Hash {
			return false
		}
		s, inserted := c.loadShader(ShaderKind(rec.Kind), dwords)
		r := replayed[s]
		if r == nil {
			r = &replayedShader{inserted: inserted, modifications: make(map[uint64]bool)}
			replayed[s] = r
		}
		r.modifications[rec.Modification] = true
		pool.Submit(func() {
			s.ensureTranslated(c.compiler, rec.Modification)
		})
		return true
	})
	pool.Close()

	for s, r := range replayed {
		if !r.inserted {
			continue
		}
		if len(s.translatedModifications()) > 0 {
			continue
		}
		if s.translationsOutside(r.modifications) {
			continue
		}
		c.removeShader(s)
	}
	return accepted, err
}

// replayPipelines streams the pipeline log into the pipeline table and
// queues backend creation for each accepted record, growing the creation
// pool to the available parallelism for the burst and shrinking it back
// afterwards. Records referencing missing or untranslatable shaders are
// skipped but stay in the log; a record failing its integrity hash or
// strict decode truncates it.
func (c *Cache) replayPipelines(log *storefile.PipelineLog) (int, error) {
	stored := log.RecordCount()
	original := c.pool.workerCount()
	burst := original
	if stored > 0 && original > 0 {
		burst = stored
		if procs := runtime.GOMAXPROCS(0); burst > procs {
			burst = procs
		}
		burst--
		if burst < original {
			burst = original
		}
		c.pool.grow(burst)
	}

	var batch []*Pipeline
	accepted, err := log.Replay(func(hash uint64, description []byte) bool {
		if hashBytes(description) != hash {
			return false
		}
		desc, derr := DecodeDescription(description)
		if derr != nil {
			return false
		}
		var enc [DescriptionSize]byte
		copy(enc[:], description)
		if c.findPipeline(&enc, hash) != nil {
			return true
		}

		vertex := c.shaderByHash(desc.VertexShaderHash)
		if vertex == nil || vertex.kind != ShaderKindVertex {
			return true
		}
		var fragment *Shader
		if desc.FragmentShaderHash != 0 {
			fragment = c.shaderByHash(desc.FragmentShaderHash)
			if fragment == nil || fragment.kind != ShaderKindFragment {
				return true
			}
		}
		if _, _, terr := vertex.ensureTranslated(c.compiler, desc.VertexShaderModification); terr != nil {
			return true
		}
		if fragment != nil {
			if _, _, terr := fragment.ensureTranslated(c.compiler, desc.FragmentShaderModification); terr != nil {
				return true
			}
		}

		uid, handle, lerr := c.internLayoutFor(vertex, fragment,
			desc.VertexShaderModification, desc.FragmentShaderModification)
		if lerr != nil {
			return true
		}

		p, inserted := c.insertPipeline(newPipeline(desc, hash, vertex, fragment, uid, handle))
		if !inserted {
			return true
		}
		batch = append(batch, p)
		if len(batch) >= replayBatchSize {
			c.pool.submitBatch(batch)
			batch = batch[:0]
			if c.pool.pending() > creationBurstHighWater {
				c.pool.awaitIdle()
			}
		}
		return true
	})
	c.pool.submitBatch(batch)

	c.pool.drainFromCaller()
	if burst > original {
		c.pool.shrink(original)
	}
	c.pool.awaitIdle()
	return accepted, err
}

// ===== Writer goroutine =====

type pendingShader struct {
	rec    storefile.ShaderRecord
	dwords []uint32
}

type pendingPipeline struct {
	hash        uint64
	description [DescriptionSize]byte
}

// storeWriter owns the two open logs and appends queued records to them
// on a dedicated goroutine. Each queue is flushed on request once it has
// drained; the two kinds are handled independently so a backlog of one
// never delays the other. The first I/O failure disables the writer for
// the rest of the session.
type storeWriter struct {
	shaderLog   *storefile.ShaderLog
	pipelineLog *storefile.PipelineLog

	mu   sync.Mutex
	cond *sync.Cond

	shaders   []pendingShader
	pipelines []pendingPipeline

	// dirty marks appends since the last flush request; flush marks a
	// claimed request the run loop still has to honor.
	dirtyShaders   bool
	dirtyPipelines bool
	flushShaders   bool
	flushPipelines bool

	broken   bool
	shutdown bool
	done     chan struct{}
}

func newStoreWriter(shaderLog *storefile.ShaderLog, pipelineLog *storefile.PipelineLog) *storeWriter {
	w := &storeWriter{
		shaderLog:   shaderLog,
		pipelineLog: pipelineLog,
		done:        make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *storeWriter) appendShader(rec storefile.ShaderRecord, dwords []uint32) {
	w.mu.Lock()
	if !w.broken && !w.shutdown {
		w.shaders = append(w.shaders, pendingShader{rec: rec, dwords: dwords})
		w.dirtyShaders = true
		w.cond.Signal()
	}
	w.mu.Unlock()
}

func (w *storeWriter) appendPipeline(hash uint64, description []byte) {
	var desc [DescriptionSize]byte
	copy(desc[:], description)
	w.mu.Lock()
	if !w.broken && !w.shutdown {
		w.pipelines = append(w.pipelines, pendingPipeline{hash: hash, description: desc})
		w.dirtyPipelines = true
		w.cond.Signal()
	}
	w.mu.Unlock()
}

// requestFlush turns this submission's appends into flush requests. Logs
// nothing was appended to are left alone.
func (w *storeWriter) requestFlush() {
	w.mu.Lock()
	wake := false
	if w.dirtyShaders {
		w.dirtyShaders = false
		w.flushShaders = true
		wake = true
	}
	if w.dirtyPipelines {
		w.dirtyPipelines = false
		w.flushPipelines = true
		wake = true
	}
	if wake && !w.broken && !w.shutdown {
		w.cond.Signal()
	}
	w.mu.Unlock()
}

// stop ends the run loop at its next check without draining the queues,
// joins it, and closes both logs.
func (w *storeWriter) stop() {
	w.mu.Lock()
	w.shutdown = true
	w.cond.Signal()
	w.mu.Unlock()
	<-w.done

	w.shaderLog.Close()
	w.pipelineLog.Close()
}

// fail records the first I/O error and drops all queued work; later
// appends are rejected at the queue.
func (w *storeWriter) fail(err error) {
	w.mu.Lock()
	first := !w.broken
	w.broken = true
	w.shaders = nil
	w.pipelines = nil
	w.flushShaders = false
	w.flushPipelines = false
	w.dirtyShaders = false
	w.dirtyPipelines = false
	w.mu.Unlock()
	if first {
		Logger().Error("pipeline cache storage failed, persistence disabled",
			"error", err)
	}
}

func (w *storeWriter) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for {
			if w.shutdown {
				w.mu.Unlock()
				return
			}
			if len(w.shaders) > 0 || len(w.pipelines) > 0 ||
				w.flushShaders || w.flushPipelines {
				break
			}
			w.cond.Wait()
		}

		// Claim one unit of work of each kind: a pending append, or
		// the flush once the queue is empty.
		var shader pendingShader
		var pipeline pendingPipeline
		haveShader, havePipeline := false, false
		flushShaders, flushPipelines := false, false
		if len(w.shaders) > 0 {
			shader = w.shaders[0]
			w.shaders = w.shaders[1:]
			haveShader = true
		} else if w.flushShaders {
			w.flushShaders = false
			flushShaders = true
		}
		if len(w.pipelines) > 0 {
			pipeline = w.pipelines[0]
			w.pipelines = w.pipelines[1:]
			havePipeline = true
		} else if w.flushPipelines {
			w.flushPipelines = false
			flushPipelines = true
		}
		w.mu.Unlock()

		if haveShader {
			if err := w.shaderLog.Append(shader.rec, shader.dwords); err != nil {
				w.fail(err)
				continue
			}
		}
		if flushShaders {
			if err := w.shaderLog.Sync(); err != nil {
				w.fail(err)
				continue
			}
		}
		if havePipeline {
			if err := w.pipelineLog.Append(pipeline.hash, pipeline.description[:]); err != nil {
				w.fail(err)
				continue
			}
		}
		if flushPipelines {
			if err := w.pipelineLog.Sync(); err != nil {
				w.fail(err)
			}
		}
	}
}

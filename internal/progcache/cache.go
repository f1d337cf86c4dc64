package progcache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/fxnlabs/clintercept/internal/cl"
)

var (
	// ErrCacheMiss means no artifact exists for a key. Callers fall through to
	// normal program creation.
	ErrCacheMiss = errors.New("program cache miss")
	// ErrCacheCorrupt means an artifact exists but cannot be used.
	ErrCacheCorrupt = errors.New("program cache entry corrupt")
)

// Options configures a Cache.
type Options struct {
	Dir      string
	Dump     bool
	Inject   bool
	MemoSize int
	MemoTTL  time.Duration
}

// ProgramInfo is what the cache remembers about a live program.
type ProgramInfo struct {
	Key         Key
	Number      uint64
	Injected    bool
	OptionsHash uint64
	Options     string
	Compiles    int
}

// Stats counts cache activity.
type Stats struct {
	Programs   int
	Hits       uint64
	Misses     uint64
	Corrupt    uint64
	Collisions uint64
	Writes     uint64
}

// Cache is safe for concurrent use.
type Cache struct {
	opts   Options
	logger *zap.Logger

	mu           sync.Mutex
	programs     map[cl.Program]*ProgramInfo
	fingerprints map[uint64]fingerprint
	next         uint64

	memo *expirable.LRU[string, []byte]

	hits, misses, corrupt, collisions, writes atomic.Uint64
}

// New creates a cache. Dumping and injection need a directory.
func New(opts Options, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MemoSize <= 0 {
		opts.MemoSize = 64
	}
	c := &Cache{
		opts:         opts,
		logger:       logger.Named("progcache"),
		programs:     make(map[cl.Program]*ProgramInfo),
		fingerprints: make(map[uint64]fingerprint),
		memo:         expirable.NewLRU[string, []byte](opts.MemoSize, nil, opts.MemoTTL),
	}
	if opts.Dir == "" && (opts.Dump || opts.Inject) {
		c.logger.Warn("program cache has no directory; dumping and injection disabled")
		c.opts.Dump = false
		c.opts.Inject = false
	}
	return c
}

// DumpEnabled reports whether artifacts are written to disk.
func (c *Cache) DumpEnabled() bool { return c.opts.Dump }

// InjectEnabled reports whether cached artifacts replace application payloads.
func (c *Cache) InjectEnabled() bool { return c.opts.Inject }

// Dir is the cache directory.
func (c *Cache) Dir() string { return c.opts.Dir }

// KeySource hashes source fragments and checks the hash for collisions.
func (c *Cache) KeySource(fragments []string) Key {
	return c.identify(KindSource, stringParts(fragments))
}

// KeyBinaries hashes device binaries and checks the hash for collisions.
func (c *Cache) KeyBinaries(binaries [][]byte) Key {
	return c.identify(KindBinary, binaries)
}

// KeyIL hashes an IL module and checks the hash for collisions.
func (c *Cache) KeyIL(il []byte) Key {
	return c.identify(KindIL, [][]byte{il})
}

func (c *Cache) identify(kind PayloadKind, parts [][]byte) Key {
	h, fp := digest(parts)
	c.mu.Lock()
	prev, seen := c.fingerprints[h]
	if !seen {
		c.fingerprints[h] = fp
	}
	c.mu.Unlock()
	if seen && prev != fp {
		// Collisions are an accepted risk: both payloads keep the same key.
		c.collisions.Add(1)
		c.logger.Warn("hash collision",
			zap.String("hash", fmt.Sprintf("%016x", h)),
			zap.Stringer("kind", kind),
			zap.Uint64("length", fp.length),
			zap.Uint64("previous_length", prev.length))
	}
	return Key{Hash: h, Kind: kind}
}

// Attach binds key to program for the program's lifetime and assigns it the
// next program number.
func (c *Cache) Attach(program cl.Program, key Key, injected bool) ProgramInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := &ProgramInfo{Key: key, Number: c.next, Injected: injected}
	c.next++
	c.programs[program] = info
	return *info
}

// Lookup returns what is known about program.
func (c *Cache) Lookup(program cl.Program) (ProgramInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.programs[program]
	if !ok {
		return ProgramInfo{}, false
	}
	return *info, true
}

// RecordBuild hashes the build options of program and counts the compile.
func (c *Cache) RecordBuild(program cl.Program, options string) (ProgramInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.programs[program]
	if !ok {
		return ProgramInfo{}, false
	}
	info.OptionsHash = HashOptions(options)
	info.Options = options
	info.Compiles++
	return *info, true
}

// Forget drops program, typically on its final release.
func (c *Cache) Forget(program cl.Program) {
	c.mu.Lock()
	delete(c.programs, program)
	c.mu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n := len(c.programs)
	c.mu.Unlock()
	return Stats{
		Programs:   n,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Corrupt:    c.corrupt.Load(),
		Collisions: c.collisions.Load(),
		Writes:     c.writes.Load(),
	}
}

package progcache

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// File names inside the cache directory.
func sourceFile(k Key) string { return k.String() + "_source.cl" }

func binaryFile(k Key, device int) string { return fmt.Sprintf("%s_dev%d.bin", k, device) }

func ilFile(k Key) string { return k.String() + ".spv" }

func optionsFile(k Key, optionsHash uint64) string {
	return fmt.Sprintf("%s_%016x_options.txt", k, optionsHash)
}

// DumpSource writes the program source keyed by its hash.
func (c *Cache) DumpSource(k Key, source string) {
	c.dump(sourceFile(k), []byte(source))
}

// DumpBinaries writes one file per device binary. Empty binaries are skipped.
func (c *Cache) DumpBinaries(k Key, binaries [][]byte) {
	for i, b := range binaries {
		if len(b) == 0 {
			continue
		}
		c.dump(binaryFile(k, i), b)
	}
}

// DumpIL writes an IL module.
func (c *Cache) DumpIL(k Key, il []byte) {
	c.dump(ilFile(k), il)
}

// DumpOptions writes the build options used for a program.
func (c *Cache) DumpOptions(k Key, optionsHash uint64, options string) {
	c.dump(optionsFile(k, optionsHash), []byte(options))
}

// dump is best effort: the directory may be shared between processes, so
// files are created if absent and never overwritten. Identical names always
// carry identical bytes.
func (c *Cache) dump(name string, data []byte) {
	if !c.opts.Dump {
		return
	}
	written, err := writeOnce(c.opts.Dir, name, data)
	if err != nil {
		c.logger.Warn("failed to write cache artifact", zap.String("file", name), zap.Error(err))
		return
	}
	if !written {
		return
	}
	c.writes.Add(1)
	c.logger.Debug("wrote cache artifact", zap.String("file", name), zap.Int("bytes", len(data)))
}

func writeOnce(dir, name string, data []byte) (bool, error) {
	final := filepath.Join(dir, name)
	if _, err := os.Stat(final); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+name+"-*")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	err = link(tmp.Name(), final)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	// Filesystems without hard links: publish by rename unless another
	// writer got there first.
	if _, statErr := os.Stat(final); statErr == nil {
		return false, nil
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return false, err
	}
	return true, nil
}

var link = os.Link

// load reads an artifact, memoizing successful reads. Misses are not
// memoized since another process may populate the directory later.
func (c *Cache) load(name string) ([]byte, error) {
	if data, ok := c.memo.Get(name); ok {
		return data, nil
	}
	data, err := os.ReadFile(filepath.Join(c.opts.Dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrCacheMiss)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", name, err, ErrCacheCorrupt)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s is empty: %w", name, ErrCacheCorrupt)
	}
	c.memo.Add(name, data)
	return data, nil
}

func (c *Cache) count(err error) {
	switch {
	case err == nil:
		c.hits.Add(1)
	case errors.Is(err, ErrCacheCorrupt):
		c.corrupt.Add(1)
		c.logger.Warn("ignoring corrupt cache entry", zap.Error(err))
	default:
		c.misses.Add(1)
	}
}

// InjectedSource returns replacement source for k.
func (c *Cache) InjectedSource(k Key) (string, error) {
	if !c.opts.Inject {
		return "", ErrCacheMiss
	}
	data, err := c.load(sourceFile(k))
	if err == nil && bytes.IndexByte(data, 0) >= 0 {
		err = fmt.Errorf("%s contains NUL bytes: %w", sourceFile(k), ErrCacheCorrupt)
	}
	c.count(err)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// InjectedBinaries returns one cached binary per device for k. A cache with
// only a device 0 binary serves it to every device.
func (c *Cache) InjectedBinaries(k Key, devices int) ([][]byte, error) {
	if !c.opts.Inject {
		return nil, ErrCacheMiss
	}
	if devices <= 0 {
		return nil, ErrCacheMiss
	}
	first, err := c.load(binaryFile(k, 0))
	if err != nil {
		c.count(err)
		return nil, err
	}
	out := [][]byte{first}
	for i := 1; i < devices; i++ {
		b, err := c.load(binaryFile(k, i))
		switch {
		case err == nil:
			out = append(out, b)
		case errors.Is(err, ErrCacheMiss):
			out = append(out, first)
		default:
			c.count(err)
			return nil, err
		}
	}
	c.count(nil)
	return out, nil
}

// InjectedIL returns a cached IL module for k.
func (c *Cache) InjectedIL(k Key) ([]byte, error) {
	if !c.opts.Inject {
		return nil, ErrCacheMiss
	}
	data, err := c.load(ilFile(k))
	c.count(err)
	return data, err
}

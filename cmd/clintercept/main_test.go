package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/clintercept/fixtures"
	"github.com/fxnlabs/clintercept/internal/icd/soft"
	"github.com/fxnlabs/clintercept/internal/progcache"
	"github.com/fxnlabs/clintercept/internal/report"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CLINTERCEPT_CONFIG", "")
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"clintercept", "--verbosity", "error"}, args...))
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestHashCommand(t *testing.T) {
	dir := t.TempDir()
	const source = "__kernel void k(){}"
	path := writeFile(t, dir, "k.cl", source)

	tests := []struct {
		name    string
		args    []string
		want    progcache.Key
		wantErr bool
	}{
		{name: "source", args: []string{"hash", path}, want: progcache.HashSource([]string{source})},
		{name: "encoded binary", args: []string{"hash", "--kind", "binary", "--encode", path}, want: progcache.HashBinaries([][]byte{soft.EncodeBinary(source)})},
		{name: "encoded il", args: []string{"hash", "--kind", "il", "--encode", path}, want: progcache.HashIL(soft.EncodeIL(source))},
		{name: "raw il", args: []string{"hash", "--kind", "il", path}, want: progcache.HashIL([]byte(source))},
		{name: "unknown kind", args: []string{"hash", "--kind", "spirv", path}, wantErr: true},
		{name: "no files", args: []string{"hash"}, wantErr: true},
		{name: "missing file", args: []string{"hash", filepath.Join(dir, "absent.cl")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.args...)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(out, tt.want.String()), out)
			assert.Contains(t, out, path)
		})
	}
}

func TestCacheListCommand(t *testing.T) {
	dir := t.TempDir()
	key := progcache.HashSource([]string{"__kernel void k(){}"})
	other := progcache.HashIL([]byte("il"))
	writeFile(t, dir, key.String()+"_source.cl", "__kernel void k(){}")
	writeFile(t, dir, key.String()+"_dev0.bin", "binary")
	writeFile(t, dir, fmt.Sprintf("%s_%016x_options.txt", key, progcache.HashOptions("-O2")), "-O2")
	writeFile(t, dir, other.String()+".spv", "il")
	writeFile(t, dir, "notes.txt", "ignored")

	t.Run("all", func(t *testing.T) {
		out, err := run(t, "cache", "ls", "--dir", dir)
		require.NoError(t, err)
		assert.Contains(t, out, key.String()+"_source.cl")
		assert.Contains(t, out, key.String()+"_dev0.bin")
		assert.Contains(t, out, other.String()+".spv")
		assert.NotContains(t, out, "notes.txt")
		assert.Contains(t, out, "4 artifact(s)")
	})

	t.Run("prefix", func(t *testing.T) {
		out, err := run(t, "cache", "ls", "--dir", dir, "--hash", other.String()[:8])
		require.NoError(t, err)
		assert.Contains(t, out, other.String()+".spv")
		assert.Contains(t, out, "1 artifact(s)")
	})

	t.Run("configured directory", func(t *testing.T) {
		cfg := writeFile(t, t.TempDir(), "config.yaml", "programCache:\n  directory: "+dir+"\n")
		out, err := run(t, "--config", cfg, "cache", "ls")
		require.NoError(t, err)
		assert.Contains(t, out, "4 artifact(s)")
	})

	t.Run("no directory", func(t *testing.T) {
		_, err := run(t, "cache", "ls")
		require.Error(t, err)
	})
}

func TestDemoCommand(t *testing.T) {
	tests := []struct {
		name   string
		config string
		args   []string
		want   []string
	}{
		{
			name:   "defaults",
			config: string(fixtures.ConfigTemplate),
			want:   []string{"No leaks detected.", "clEnqueueNDRangeKernel"},
		},
		{
			name:   "leak",
			config: "leakChecking:\n  enabled: true\n",
			args:   []string{"--leak"},
			want:   []string{"Possible leaks: 1 object(s)", "cl_mem: 1"},
		},
		{
			name:   "emulated kernels",
			config: "leakChecking:\n  enabled: true\ntiming:\n  device: true\noverrides:\n  kernels: true\n  copyBuffer: true\n",
			args:   []string{"--size", "4", "--iterations", "2"},
			want:   []string{"No leaks detected.", "vector_add_f32", "matmul_f32"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			cfg := strings.ReplaceAll(tt.config, "./clintercept_cache", filepath.Join(dir, "cache"))
			path := writeFile(t, dir, "config.yaml", cfg)

			out, err := run(t, append([]string{"--config", path, "demo"}, tt.args...)...)
			require.NoError(t, err, out)
			for _, want := range tt.want {
				assert.Contains(t, out, want)
			}
		})
	}

	t.Run("report directory", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "config.yaml", "leakChecking:\n  enabled: true\nreport:\n  directory: "+dir+"\n")
		_, err := run(t, "--config", path, "demo", "--iterations", "1")
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(dir, report.LeaksFile))
		assert.FileExists(t, filepath.Join(dir, report.TimingFile))
	})

	t.Run("invalid size", func(t *testing.T) {
		_, err := run(t, "demo", "--size", "0")
		require.Error(t, err)
	})
}

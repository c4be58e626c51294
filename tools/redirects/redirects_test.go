package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hooksSource = `package hooks

// sysAlloc is a replacement.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr) uintptr { return 0 }

// helper is not redirected.
func helper() {}

//go:redirect-from runtime.nanotime
func nanotime() uint64 { return 1 }
`

func withModule(t *testing.T, files map[string]string) {
	root := t.TempDir()
	for name, contents := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	}

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(root))
	t.Cleanup(func() { _ = os.Chdir(cwd) })
}

func TestModulePath(t *testing.T) {
	withModule(t, map[string]string{"go.mod": "module memcore\n\ngo 1.21\n"})

	module, err := modulePath(".")
	require.NoError(t, err)
	assert.Equal(t, "memcore", module)
}

func TestModulePathMissing(t *testing.T) {
	withModule(t, map[string]string{"go.mod": "go 1.21\n"})

	_, err := modulePath(".")
	assert.Error(t, err)
}

func TestFindRedirects(t *testing.T) {
	withModule(t, map[string]string{
		"go.mod":                        "module memcore\n",
		"kernel/hooks/hooks.go":         hooksSource,
		"kernel/hooks/hooks_test.go":    "package hooks\n\n//go:redirect-from runtime.ignored\nfunc ignored() {}\n",
		"kernel/hooks/nested/plain.go":  "package nested\n\nfunc plain() {}\n",
		"kernel/hooks/nested/README.md": "not go",
	})

	goFiles, err := collectGoFiles("kernel")
	require.NoError(t, err)
	assert.Len(t, goFiles, 2)

	redirects, err := findRedirects("memcore", goFiles)
	require.NoError(t, err)
	require.Len(t, redirects, 2)

	got := map[string]string{}
	for _, r := range redirects {
		got[r.src] = r.dst
	}

	assert.Equal(t, map[string]string{
		"runtime.sysAlloc": "memcore/kernel/hooks.sysAlloc",
		"runtime.nanotime": "memcore/kernel/hooks.nanotime",
	}, got)
}

func TestFindRedirectsMalformed(t *testing.T) {
	withModule(t, map[string]string{
		"kernel/bad.go": "package kernel\n\n//go:redirect-from runtime.a runtime.b\nfunc bad() {}\n",
	})

	_, err := findRedirects("memcore", []string{"kernel/bad.go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memcore/kernel.bad")
}

func TestResolveRedirectSymbols(t *testing.T) {
	symbols := []elf.Symbol{
		{Name: "runtime.sysAlloc", Value: 0x1000},
		{Name: "memcore/kernel/goruntime.sysAlloc", Value: 0x2000},
		{Name: "runtime.nanotime", Value: 0x3000},
	}

	redirects := []*redirect{{src: "runtime.sysAlloc", dst: "memcore/kernel/goruntime.sysAlloc"}}
	require.NoError(t, resolveRedirectSymbols(redirects, symbols))
	assert.Equal(t, uint64(0x1000), redirects[0].srcVMA)
	assert.Equal(t, uint64(0x2000), redirects[0].dstVMA)

	specs := []struct {
		r      *redirect
		expErr string
	}{
		{&redirect{src: "runtime.missing", dst: "memcore/kernel/goruntime.sysAlloc"}, `"runtime.missing"`},
		{&redirect{src: "runtime.nanotime", dst: "memcore/kernel/goruntime.nanotime"}, `"memcore/kernel/goruntime.nanotime"`},
	}

	for specIndex, spec := range specs {
		err := resolveRedirectSymbols([]*redirect{spec.r}, symbols)
		require.Error(t, err, "[spec %d]", specIndex)
		assert.Contains(t, err.Error(), spec.expErr, "[spec %d]", specIndex)
	}
}

func TestWriteRedirectTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRedirectTable(&buf, []*redirect{
		{srcVMA: 0x1000, dstVMA: 0x2000},
		{srcVMA: 0x3000, dstVMA: 0x4000},
	}))

	require.Equal(t, 32, buf.Len())
	var table [4]uint64
	require.NoError(t, binary.Read(&buf, binary.LittleEndian, &table))
	assert.Equal(t, [4]uint64{0x1000, 0x2000, 0x3000, 0x4000}, table)
}

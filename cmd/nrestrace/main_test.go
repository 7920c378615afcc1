package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nres-tracer/internal/alignment"
	"nres-tracer/internal/errs"
	nresimage "nres-tracer/internal/image"
	"nres-tracer/internal/synth"
	"nres-tracer/internal/trace"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(args)
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	return out.String(), err
}

func writeText(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "nrestrace 0.1.0"), out)
}

func TestCommandsRegistered(t *testing.T) {
	root := newRootCmd(&bytes.Buffer{})
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"trace", "detect", "register", "overlay", "version"} {
		assert.Contains(t, names, want)
	}
	for _, flag := range []string{"config", "log-level", "metrics-textfile"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestTraceAndOverlay(t *testing.T) {
	dir := t.TempDir()
	frame, _, err := synth.Flat(synth.DefaultConfig())
	require.NoError(t, err)
	flat := filepath.Join(dir, "flat.tiff")
	require.NoError(t, nresimage.SaveTIFF(flat, frame))

	cfg := writeText(t, filepath.Join(dir, "nrestrace.yaml"), `
log:
  level: error
trace:
  reference_row: 512
  reference_column: 512
`)
	metricsFile := filepath.Join(dir, "nres.prom")
	outDir := filepath.Join(dir, "out")

	_, err = run(t, "--config", cfg, "--metrics-textfile", metricsFile,
		"trace", "--out", outDir, "--regions", "--jobs", "2", flat)
	require.NoError(t, err)

	in, err := os.Open(filepath.Join(outDir, "flat_trace.txt"))
	require.NoError(t, err)
	table, err := trace.ReadASCII(in)
	in.Close()
	require.NoError(t, err)
	assert.Len(t, table.Orders, 10)

	regions, err := os.ReadFile(filepath.Join(outDir, "flat_trace.reg"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(regions), "# Region file format: DS9 version 4.1\n"))

	prom, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "nres_trace_orders_found 10")

	regFile := filepath.Join(dir, "table.reg")
	_, err = run(t, "--config", cfg, "overlay", "--out", regFile, filepath.Join(outDir, "flat_trace.txt"))
	require.NoError(t, err)
	data, err := os.ReadFile(regFile)
	require.NoError(t, err)
	assert.Equal(t, 2*10*(len(table.Columns)-1), strings.Count(string(data), "line("))
}

func TestTraceReportsEveryFailure(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "--log-level", "error", "trace", "--out", dir,
		filepath.Join(dir, "a.fits"), filepath.Join(dir, "b.png"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a.fits")
	assert.Contains(t, err.Error(), "b.png")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestTraceUnknownProfile(t *testing.T) {
	_, err := run(t, "--log-level", "error", "trace", "--profile", "nres99", "x.fits")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	assert.Equal(t, 2, errs.ExitCode(err))
}

func TestBadLogLevel(t *testing.T) {
	_, err := run(t, "--log-level", "loud", "version")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func testCatalog(seed int64, n int) alignment.Catalog {
	rng := rand.New(rand.NewSource(seed))
	c := make(alignment.Catalog, n)
	for i := range c {
		c[i] = alignment.Source{X: 200 + 3700*rng.Float64(), Y: 200 + 3700*rng.Float64(), Flux: 100 + 1000*rng.Float64()}
	}
	return c
}

func TestRegister(t *testing.T) {
	dir := t.TempDir()
	ref := testCatalog(11, 40)
	input := make(alignment.Catalog, len(ref))
	for i, s := range ref {
		input[i] = s
		input[i].Y += 3.2
	}
	require.NoError(t, ref.Save(filepath.Join(dir, "ref.json")))
	require.NoError(t, input.Save(filepath.Join(dir, "new.json")))

	var seeds strings.Builder
	seeds.WriteString("nres01 by-hand trace\n")
	for r := 0; r < 3; r++ {
		for _, c := range alignment.CanonicalColumns {
			fmt.Fprintf(&seeds, "%6d", 1000+100*r+c/50)
		}
		seeds.WriteString("\n")
	}
	writeText(t, filepath.Join(dir, "byhand.txt"), seeds.String())
	cfg := writeText(t, filepath.Join(dir, "nrestrace.yaml"), "log:\n  level: error\nregister:\n  max_evaluations: 3000\n")

	out := filepath.Join(dir, "new_byhand.txt")
	_, err := run(t, "--config", cfg, "register",
		"--input", filepath.Join(dir, "new.json"),
		"--reference", filepath.Join(dir, "ref.json"),
		"--seeds", filepath.Join(dir, "byhand.txt"),
		"--out", out)
	require.NoError(t, err)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	moved, err := alignment.ParseSeeds(f, alignment.CanonicalColumns)
	require.NoError(t, err)
	assert.Equal(t, []string{"nres01 by-hand trace"}, moved.Header)
	require.Len(t, moved.Rows, 3)
	for r, row := range moved.Rows {
		for i, c := range alignment.CanonicalColumns {
			assert.Equal(t, 1000+100*r+c/50+3, row[i], "row %d column %d", r, c)
		}
	}
}

func TestRegisterRequiresFlags(t *testing.T) {
	_, err := run(t, "register", "--input", "a.json")
	assert.Error(t, err)
}

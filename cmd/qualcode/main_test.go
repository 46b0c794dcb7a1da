//go:build cgo

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/qualcode/codebook"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), out.String())
	return out.String()
}

func TestImportExport(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "qualcode.db")
	src := filepath.Join(dir, "study.json")
	require.NoError(t, codebook.Save(src, codebook.New(
		&codebook.Code{Label: "delay", Examples: []string{"1|||wait"}},
		&codebook.Code{Label: "cancel", Examples: []string{"2|||off"}},
	)))

	out := execute(t, "--db", db, "import", src)
	assert.Contains(t, out, "imported study: 2 codes")

	dst := filepath.Join(dir, "export.xlsx")
	out = execute(t, "--db", db, "export", "study", "-o", dst)
	assert.Contains(t, out, "2 codes")

	cb, err := readCodebook(dst)
	require.NoError(t, err)
	assert.Equal(t, 2, cb.Len())

	out = execute(t, "--db", db, "runs", "--codebooks")
	assert.Contains(t, out, "study")
}

func TestExportMissingCodebook(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db", filepath.Join(t.TempDir(), "q.db"), "export", "nothing"})
	assert.Error(t, cmd.Execute())
}

package excel

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/brunobiangulo/qualcode/codebook"
	"github.com/brunobiangulo/qualcode/eval"
)

func TestCodebookRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codebook.xlsx")
	merged := &codebook.Code{Label: "gone"}
	cb := codebook.New(
		&codebook.Code{
			Label:        "delay",
			Definitions:  []string{"Putting something off."},
			Categories:   []string{"Timing", "Plans"},
			Alternatives: []string{"postpone"},
			Examples:     []string{"1|||wait a week", "2|||later"},
		},
		&codebook.Code{Label: "cancel", Examples: []string{"3|||never mind"}},
		merged,
	)
	codebook.MergeCodes(cb["cancel"], merged)

	require.NoError(t, WriteCodebook(path, cb))

	got, err := ReadCodebook(path)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Len())

	delay, ok := got.Find("delay")
	require.True(t, ok)
	assert.Equal(t, []string{"Putting something off."}, delay.Definitions)
	assert.Equal(t, []string{"Timing", "Plans"}, delay.Categories)
	assert.Equal(t, []string{"postpone"}, delay.Alternatives)
	assert.Equal(t, []string{"1|||wait a week", "2|||later"}, delay.Examples)

	_, ok = got["gone"]
	assert.False(t, ok)
	assert.Equal(t, []string{"gone"}, got["cancel"].Alternatives)
}

func TestReadCodebookLooseHeaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loose.xlsx")
	f := excelize.NewFile()
	f.SetSheetRow("Sheet1", "A1", &[]any{"Notes"})
	idx, err := f.NewSheet("Codes")
	require.NoError(t, err)
	f.SetActiveSheet(idx)
	f.SetSheetRow("Codes", "A1", &[]any{" category ", "LABEL", "Definition"})
	f.SetSheetRow("Codes", "A2", &[]any{"Timing;Plans", "delay", "Putting off."})
	f.SetSheetRow("Codes", "A3", &[]any{"Timing", "delay", ""})
	f.SetSheetRow("Codes", "A4", &[]any{"", "", "orphan"})
	require.NoError(t, f.SaveAs(path))
	f.Close()

	got, err := ReadCodebook(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"Timing", "Plans"}, got["delay"].Categories)
	assert.Equal(t, "Putting off.", got["delay"].Definition())
}

func TestReadCodebookNoLabelColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.xlsx")
	f := excelize.NewFile()
	f.SetSheetRow("Sheet1", "A1", &[]any{"Name", "Definition"})
	require.NoError(t, f.SaveAs(path))
	f.Close()

	_, err := ReadCodebook(path)
	assert.ErrorIs(t, err, ErrNoCodebookSheet)
}

func TestWriteEvaluation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eval.xlsx")
	results := map[string]eval.Result{
		"second": {Coverage: 0.8, Count: 1},
		"first":  {Coverage: 1, Count: 2, Consolidated: 2},
	}
	clusters := map[string][]eval.ClusterResult{
		"first": {{Component: 0, Representative: "delay", Coverage: 1, Deviation: 0.25}},
	}
	require.NoError(t, WriteEvaluation(path, results, clusters))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{ResultsSheet, ClustersSheet}, f.GetSheetList())
	rows, err := f.GetRows(ResultsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "first", rows[1][0])
	assert.Equal(t, "second", rows[2][0])
	assert.Equal(t, "0.8", rows[2][1])

	rows, err = f.GetRows(ClustersSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"first", "0", "delay", "1", "0.25"}, rows[1])
}

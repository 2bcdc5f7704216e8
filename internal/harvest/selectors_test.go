package harvest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "selectors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSelectors_EmptyPathReturnsDefaults(t *testing.T) {
	sel, err := LoadSelectors("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSelectors(), sel)
}

func TestLoadSelectors_PartialOverride(t *testing.T) {
	path := writeFile(t, "row: .chart-row\nname: .chart-name\n")

	sel, err := LoadSelectors(path)
	require.NoError(t, err)

	assert.Equal(t, ".chart-row", sel.Row)
	assert.Equal(t, ".chart-name", sel.Name)
	assert.Equal(t, DefaultSelectors().Link, sel.Link)
	assert.Equal(t, DefaultSelectors().PeakToday, sel.PeakToday)
}

func TestLoadSelectors_EmptyValueRejected(t *testing.T) {
	path := writeFile(t, "link: \"\"\n")

	_, err := LoadSelectors(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `selector "link" is empty`)
}

func TestLoadSelectors_InvalidYAML(t *testing.T) {
	path := writeFile(t, "row: [unclosed\n")

	_, err := LoadSelectors(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse selectors")
}

func TestLoadSelectors_MissingFile(t *testing.T) {
	_, err := LoadSelectors(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read selectors")
}

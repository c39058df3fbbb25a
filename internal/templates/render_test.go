package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopupFragments(t *testing.T) {
	r := Default()

	out, err := r.Render("mainstem-popup", map[string]any{"name": "Ohio <River>", "uri": "https://geoconnex.us/ref/mainstems/1"})
	require.NoError(t, err)
	assert.Contains(t, out, "Ohio &lt;River&gt;")
	assert.Contains(t, out, `href="https://geoconnex.us/ref/mainstems/1"`)

	out, err = r.Render("dataset-popup", map[string]any{"siteName": "Cairo", "variableMeasured": "Stage", "variableUnit": "ft"})
	require.NoError(t, err)
	assert.Contains(t, out, "Stage (ft)")
	assert.NotContains(t, out, "Dataset</a>")

	out, err = r.Render("cluster-popup", map[string]any{"point_count": 12})
	require.NoError(t, err)
	assert.Contains(t, out, "12 datasets")

	_, err = r.Render("missing", nil)
	assert.Error(t, err)
}

func TestViewerPageEscapesSession(t *testing.T) {
	out, err := Default().Render("viewer-page", map[string]any{"Title": "Explorer", "Session": "abc", "StyleURL": "https://example.test/style.json"})
	require.NoError(t, err)
	assert.Contains(t, out, `const session = "abc"`)
	assert.Contains(t, out, "/api/v1/viewer/abc/stream")
}

func TestReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.html")
	require.NoError(t, os.WriteFile(path, []byte(`{{define "x"}}one{{end}}`), 0o644))
	r, err := New(dir)
	require.NoError(t, err)
	out, _ := r.Render("x", nil)
	assert.Equal(t, "one", out)

	require.NoError(t, os.WriteFile(path, []byte(`{{define "x"}}two{{end}}`), 0o644))
	require.NoError(t, r.Reload())
	out, _ = r.Render("x", nil)
	assert.Equal(t, "two", out)
}

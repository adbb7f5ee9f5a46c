package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The canonical tool verdict has exactly one writer. This scan keeps
// assignments to outputs.tool_verdict from creeping into other packages.
func TestToolVerdictWriteConfinedToStore(t *testing.T) {
	root := repoRoot(t)

	sources, err := doublestar.Glob(os.DirFS(root), "{cmd,pkg}/**/*.go")
	require.NoError(t, err)
	require.NotEmpty(t, sources)

	write := regexp.MustCompile(`\.Outputs\.ToolVerdict\s*=`)

	var offenders []string
	for _, rel := range sources {
		if strings.HasSuffix(rel, "_test.go") {
			continue
		}
		if strings.HasPrefix(rel, "pkg/store/") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, rel))
		require.NoError(t, err)
		if write.Match(data) {
			offenders = append(offenders, rel)
		}
	}
	assert.Empty(t, offenders, "outputs.tool_verdict written outside the ticket store")
}

func repoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		require.NotEqual(t, dir, parent, "go.mod not found above test directory")
		dir = parent
	}
}

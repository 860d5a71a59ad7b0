package utils_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/surgecrawl/surgecrawl/internal/utils"
)

// TestConfigureDebug_RedactsSensitiveURLs guards against sensitive query
// parameters leaking into log files, mirroring the teacher's regression
// test for the download manager's debug log.
func TestConfigureDebug_RedactsSensitiveURLs(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "surgecrawl-log-test")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	utils.ConfigureDebug(tmpDir)
	defer utils.ConfigureDebug("")
	utils.SetLevel(utils.LevelDebug)
	defer utils.SetLevel(utils.LevelInfo)

	sensitiveURL := "http://example.com/secret?token=SENSITIVE_DATA"
	utils.Debug("fetching %s", utils.SanitizeURL(sensitiveURL))

	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)

	foundLog := false
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "debug-") {
			continue
		}
		foundLog = true
		content, err := os.ReadFile(filepath.Join(tmpDir, entry.Name()))
		require.NoError(t, err)
		require.NotContains(t, string(content), "SENSITIVE_DATA", "sensitive query parameter leaked into log file")
	}

	require.True(t, foundLog, "ConfigureDebug did not redirect logging to a debug-*.log file")
}

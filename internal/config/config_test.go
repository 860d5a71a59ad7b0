package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault_Validates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate_RejectsInvertedConcurrency(t *testing.T) {
	c := Default()
	c.Pool.MinConcurrency = 10
	c.Pool.MaxConcurrency = 5
	require.Error(t, c.Validate(), "expected error for max < min concurrency")
}

func TestValidate_RejectsOutOfRangeRatio(t *testing.T) {
	c := Default()
	c.Pool.DesiredConcurrencyRatio = 1.5
	require.Error(t, c.Validate(), "expected error for ratio > 1")
}

func TestValidate_RejectsZeroMemoryLimit(t *testing.T) {
	c := Default()
	c.Snapshotter.MaxMemoryBytes = 0
	require.Error(t, c.Validate(), "expected error for zero maxMemoryBytes")
}

func TestValidate_RejectsCurrentHistoryExceedingRetention(t *testing.T) {
	c := Default()
	c.SystemStatus.CurrentHistory = c.Snapshotter.SnapshotHistory * 2
	require.Error(t, c.Validate(), "expected error when currentHistorySecs exceeds snapshotHistorySecs")
}

func TestValidate_RejectsNegativeRetries(t *testing.T) {
	c := Default()
	c.Crawler.MaxRequestRetries = -1
	require.Error(t, c.Validate(), "expected error for negative maxRequestRetries")
}

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCategoryLog(t *testing.T, dir string, cat Category) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".autognosis", "logs", "*_"+string(cat)+".log"))
	require.NoError(t, err)
	require.Len(t, matches, 1, "expected one log file for %s", cat)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	return string(data)
}

func TestAllCategoriesLog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: true, Level: "debug"}))
	defer CloseAll()

	for _, cat := range AllCategories() {
		Get(cat).Info("hello from %s", cat)
	}
	CloseAll()

	for _, cat := range AllCategories() {
		assert.Contains(t, readCategoryLog(t, dir, cat), "hello from "+string(cat))
	}
}

func TestProductionModeWritesNothing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: false}))
	defer CloseAll()

	Healing("should not appear")
	assert.False(t, IsDebugMode())
	_, err := os.Stat(filepath.Join(dir, ".autognosis", "logs"))
	assert.True(t, os.IsNotExist(err))
}

func TestCategoryFilter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{
		DebugMode:  true,
		Categories: map[string]bool{"healing": false},
	}))
	defer CloseAll()

	assert.False(t, IsCategoryEnabled(CategoryHealing))
	assert.True(t, IsCategoryEnabled(CategoryAgency))
	assert.True(t, IsCategoryEnabled(CategoryForecast), "unlisted categories default to enabled")
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: true, Level: "warn"}))

	Get(CategoryStore).Info("quiet info")
	Get(CategoryStore).Warn("loud warning")
	CloseAll()

	out := readCategoryLog(t, dir, CategoryStore)
	assert.NotContains(t, out, "quiet info")
	assert.Contains(t, out, "loud warning")
}

func TestJSONFormatAndStructuredLog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: true, JSONFormat: true}))

	Get(CategoryCoordination).StructuredLog("info", "message dropped", map[string]interface{}{"sender": 7})
	CloseAll()

	out := strings.TrimSpace(readCategoryLog(t, dir, CategoryCoordination))
	assert.Contains(t, out, `"msg":"message dropped"`)
	assert.Contains(t, out, `"sender":7`)
}

func TestTimerThreshold(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: true, Level: "debug"}))

	timer := StartTimer(CategoryScheduler, "tick")
	time.Sleep(5 * time.Millisecond)
	elapsed := timer.StopWithThreshold(time.Nanosecond)
	CloseAll()

	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
	assert.Contains(t, readCategoryLog(t, dir, CategoryPerformance), "tick took")
}

func TestInitializeRequiresWorkspace(t *testing.T) {
	assert.Error(t, Initialize("", Options{}))
}

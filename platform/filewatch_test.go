package platform_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamhariomsharma/update-kit/platform"
)

func newTestService(t *testing.T) (*platform.FileService, string) {
	t.Helper()
	dir := t.TempDir()
	service, err := platform.NewFileService(dir)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := service.Close(); err != nil {
			t.Errorf("close service: %v", err)
		}
	})
	return service, dir
}

func writeJSON(t *testing.T, dir, name string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func TestFileService_AvailabilityWithoutManifest(t *testing.T) {
	service, _ := newTestService(t)

	availability, err := service.Availability(context.Background())
	require.NoError(t, err)
	assert.Equal(t, platform.StatusNoUpdate, availability.Status)
	assert.Equal(t, platform.InstallUnknown, availability.Install)
}

func TestFileService_AvailabilityFromManifest(t *testing.T) {
	service, dir := newTestService(t)

	writeJSON(t, dir, "manifest.json", map[string]any{
		"availableBuild": 57,
		"allowedKinds":   []string{"flexible", "immediate", "bogus"},
		"priority":       3,
	})

	availability, err := service.Availability(context.Background())
	require.NoError(t, err)

	assert.Equal(t, platform.StatusUpdateAvailable, availability.Status)
	assert.EqualValues(t, 57, availability.AvailableBuild)
	assert.Equal(t, 3, availability.Priority)
	assert.True(t, availability.Allows(platform.FlowFlexible))
	assert.True(t, availability.Allows(platform.FlowImmediate))
	assert.Len(t, availability.AllowedKinds, 2)
}

func TestFileService_InProgressWhileDownloading(t *testing.T) {
	service, dir := newTestService(t)

	writeJSON(t, dir, "manifest.json", map[string]any{
		"availableBuild": 57,
		"allowedKinds":   []string{"flexible"},
	})
	writeJSON(t, dir, "status.json", map[string]any{"status": "downloading"})

	availability, err := service.Availability(context.Background())
	require.NoError(t, err)
	assert.Equal(t, platform.StatusUpdateInProgress, availability.Status)
	assert.Equal(t, platform.InstallDownloading, availability.Install)
}

func TestFileService_StatusPushes(t *testing.T) {
	service, dir := newTestService(t)

	statusChan := make(chan platform.InstallStatus, 4)
	service.RegisterStatusListener(func(status platform.InstallStatus) {
		statusChan <- status
	})

	writeJSON(t, dir, "status.json", map[string]any{"status": "downloading"})

	select {
	case status := <-statusChan:
		assert.Equal(t, platform.InstallDownloading, status)
	case <-time.After(2 * time.Second):
		t.Fatal("no status push received")
	}

	writeJSON(t, dir, "status.json", map[string]any{"status": "downloaded"})

	select {
	case status := <-statusChan:
		assert.Equal(t, platform.InstallDownloaded, status)
	case <-time.After(2 * time.Second):
		t.Fatal("no second status push received")
	}

	service.UnregisterStatusListener()
	writeJSON(t, dir, "status.json", map[string]any{"status": "installed"})

	select {
	case status := <-statusChan:
		t.Fatalf("push after unregister: %v", status)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestFileService_StartFlowRejectsDisallowedKind(t *testing.T) {
	service, dir := newTestService(t)

	writeJSON(t, dir, "manifest.json", map[string]any{
		"availableBuild": 57,
		"allowedKinds":   []string{"flexible"},
	})

	_, err := service.StartFlow(context.Background(), platform.FlowImmediate)
	assert.ErrorIs(t, err, platform.ErrFlowNotStarted)
}

func TestFileService_StartFlowDeliversResult(t *testing.T) {
	service, dir := newTestService(t)

	writeJSON(t, dir, "manifest.json", map[string]any{
		"availableBuild": 57,
		"allowedKinds":   []string{"immediate"},
	})

	resultChan, err := service.StartFlow(context.Background(), platform.FlowImmediate)
	require.NoError(t, err)

	// the sidecar sees the command and answers with a result entry
	commandData, err := os.ReadFile(filepath.Join(dir, "command.json"))
	require.NoError(t, err)
	var command map[string]any
	require.NoError(t, json.Unmarshal(commandData, &command))
	assert.Equal(t, "start", command["action"])
	assert.Equal(t, "immediate", command["kind"])

	writeJSON(t, dir, "result.json", map[string]any{"result": "accepted"})

	select {
	case result, ok := <-resultChan:
		require.True(t, ok)
		assert.Equal(t, platform.ResultAccepted, result)
	case <-time.After(2 * time.Second):
		t.Fatal("no flow result received")
	}

	// exactly one result, then the channel closes
	select {
	case _, ok := <-resultChan:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("result channel was not closed")
	}
}

func TestFileService_FinalizeRequiresDownload(t *testing.T) {
	service, dir := newTestService(t)

	err := service.Finalize(context.Background())
	assert.ErrorIs(t, err, platform.ErrNoPendingInstall)

	writeJSON(t, dir, "status.json", map[string]any{"status": "downloaded"})
	require.NoError(t, service.Finalize(context.Background()))

	commandData, err := os.ReadFile(filepath.Join(dir, "command.json"))
	require.NoError(t, err)
	var command map[string]any
	require.NoError(t, json.Unmarshal(commandData, &command))
	assert.Equal(t, "finalize", command["action"])
}

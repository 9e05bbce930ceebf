package vault

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeVaultFile(t *testing.T, dir, apiKey, participantID string) string {
	t.Helper()
	path := filepath.Join(dir, "vault.yaml")
	content, err := yaml.Marshal(map[string]map[string]string{
		"edc": {"apiKey": apiKey, "participantId": participantID},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, content, 0600))
	return path
}

func TestOpen_LoadsSecrets(t *testing.T) {
	path := writeVaultFile(t, t.TempDir(), "test-key", "BPNL000CONSUMER")

	v, err := Open(path)
	require.NoError(t, err)

	apiKey, err := v.GetSecret(KeyAPIKey)
	require.NoError(t, err)
	require.Equal(t, "test-key", apiKey)

	participantID, err := v.GetSecret(KeyParticipantID)
	require.NoError(t, err)
	require.Equal(t, "BPNL000CONSUMER", participantID)
}

func TestOpen_MissingFileFails(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestGetSecret_UnsetKeyFails(t *testing.T) {
	path := writeVaultFile(t, t.TempDir(), "test-key", "BPNL000CONSUMER")

	v, err := Open(path)
	require.NoError(t, err)

	_, err = v.GetSecret("edc.unknown")
	require.Error(t, err)
	require.Contains(t, err.Error(), "edc.unknown")
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeVaultFile(t, dir, "old-key", "BPNL000CONSUMER")

	v, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, v.Watch())
	defer func() { _ = v.Close() }()

	writeVaultFile(t, dir, "new-key", "BPNL000CONSUMER")

	require.Eventually(t, func() bool {
		apiKey, err := v.GetSecret(KeyAPIKey)
		return err == nil && apiKey == "new-key"
	}, 3*time.Second, 50*time.Millisecond)
}

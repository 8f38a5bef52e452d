package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Layr-Labs/kms-signer-go/internal/signerStack"
	"github.com/Layr-Labs/kms-signer-go/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testPrivateKey = "0x0000000000000000000000000000000000000000000000000000000000000001"
	testAddress    = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"
)

func runApp(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	require.NoError(t, app.Run(append([]string{"kms-signer"}, args...)))
	return out.String()
}

func Test_OfflineCommands(t *testing.T) {
	t.Run("Should persist the key record in the configured store", func(t *testing.T) {
		dir := t.TempDir()

		out := runApp(t, "address", "--private-key", testPrivateKey, "--persistence", "badger", "--data-path", dir)
		assert.Equal(t, testAddress, strings.TrimSpace(out))

		store, err := signerStack.NewPersistence(&config.PersistenceConfig{Type: "badger", DataPath: dir}, zap.NewNop())
		require.NoError(t, err)
		records, err := store.ListKeyRecords()
		require.NoError(t, err)
		require.NoError(t, store.Close())

		require.Len(t, records, 1)
		assert.Equal(t, testAddress, records[0].Address)
		assert.True(t, strings.HasPrefix(records[0].KeyId, "local-key-"))
	})

	t.Run("Should list and forget persisted key records", func(t *testing.T) {
		dir := t.TempDir()
		persistenceArgs := []string{"--persistence", "badger", "--data-path", dir}

		runApp(t, append([]string{"address", "--private-key", testPrivateKey}, persistenceArgs...)...)

		listed := runApp(t, append([]string{"keys", "list"}, persistenceArgs...)...)
		lines := strings.Split(strings.TrimSpace(listed), "\n")
		require.Len(t, lines, 1)
		fields := strings.Split(lines[0], "\t")
		require.Len(t, fields, 3)
		assert.Equal(t, testAddress, fields[1])

		runApp(t, append(append([]string{"keys", "forget"}, persistenceArgs...), fields[0])...)

		listed = runApp(t, append([]string{"keys", "list"}, persistenceArgs...)...)
		assert.Empty(t, strings.TrimSpace(listed))
	})

	t.Run("Should reject forget without a key id", func(t *testing.T) {
		app := newApp()
		app.Writer = &bytes.Buffer{}
		err := app.Run([]string{"kms-signer", "keys", "forget", "--persistence", "memory"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key id")
	})
}

package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/passport-consumer/internal/config"
)

// TestEngineRejectsIncompleteConfig verifies that commands fail fast when
// the required connector keys are unset, before any subsystem is wired.
func TestEngineRejectsIncompleteConfig(t *testing.T) {
	_, err := newEngine(config.Defaults())
	require.Error(t, err)
	require.ErrorIs(t, err, config.ErrConfigMissing)
}

// TestRegisteredSubcommands verifies every user-facing command hangs off the
// root.
func TestRegisteredSubcommands(t *testing.T) {
	want := map[string]bool{
		"daemon": false,
		"fetch":  false,
		"search": false,
		"status": false,
	}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		require.True(t, found, "command %s not registered", name)
	}
}

// TestFetchRequiresFlags verifies the fetch command declares its required
// flags.
func TestFetchRequiresFlags(t *testing.T) {
	for _, flag := range []string{"provider", "bpn", "asset"} {
		f := fetchCmd.Flags().Lookup(flag)
		require.NotNil(t, f, "flag --%s missing", flag)
	}
}

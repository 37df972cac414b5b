package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "fetch", "listen", "backfill", "resync", "secret", "delivery"} {
		assert.Contains(t, names, want)
	}
}

func TestSecretSetRejectsUnknownKind(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", t.TempDir() + "/config.yaml", "secret", "set", "acct", "--kind", "pin"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown secret kind "pin"`)
}

func TestDeliveryRejectsBadMessageID(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", t.TempDir() + "/config.yaml", "delivery", "sent", "abc"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid message id")
}

func TestCheckSecret(t *testing.T) {
	assert.Error(t, checkSecret("password", "  \n"))
	assert.NoError(t, checkSecret("password", "hunter2\n"))
}

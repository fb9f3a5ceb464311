package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_UnsetPathUsesDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

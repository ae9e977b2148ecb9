package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kitchenledger/kitchenledger/internal/app"
	_ "github.com/kitchenledger/kitchenledger/internal/testing/guard"
)

func TestGuardEnablesTestMode(t *testing.T) {
	require.True(t, app.InTestMode())
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	t.Setenv("SERVICE_DAY_TIMEZONE", "UTC")
	require.Equal(t, 2, run([]string{"reticulate"}))
	require.Equal(t, 0, run([]string{"help"}))
	require.Equal(t, 2, run([]string{"jobs"}))
}

func TestRunFailsOnInvalidConfig(t *testing.T) {
	t.Setenv("SERVICE_DAY_CUTOVER_HOUR", "31")
	require.Equal(t, 1, run([]string{"serve"}))
}

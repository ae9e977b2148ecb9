package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kitchenledger/kitchenledger/internal/app"
	_ "github.com/kitchenledger/kitchenledger/internal/testing/guard"
)

func TestMainReturnsInTestMode(t *testing.T) {
	require.True(t, app.InTestMode())
	main()
}

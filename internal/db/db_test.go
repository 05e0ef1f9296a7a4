package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/consult-platform/internal/models"
)

func TestConnectSQLiteAndMigrate(t *testing.T) {
	gdb, err := Connect("sqlite::memory:")
	require.NoError(t, err)

	require.NoError(t, Migrate(gdb))
	// seeding twice must not fail or duplicate
	require.NoError(t, Migrate(gdb))

	var n int64
	require.NoError(t, gdb.Model(&models.Category{}).Count(&n).Error)
	assert.Equal(t, int64(len(models.DefaultCategories)), n)
}

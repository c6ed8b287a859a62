package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialector(t *testing.T) {
	assert.Equal(t, "mysql", Dialector("mysql://app:pw@tcp(127.0.0.1:3306)/beans").Name())
	assert.Equal(t, "mysql", Dialector("app:pw@tcp(127.0.0.1:3306)/beans?parseTime=true").Name())
	assert.Equal(t, "sqlite", Dialector("file:syncgw.db").Name())
}

func TestOpen_SQLiteMemory(t *testing.T) {
	gdb, err := Open("file::memory:")
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	assert.NoError(t, sqlDB.Ping())
}

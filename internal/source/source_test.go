package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "log.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestOpen_NotFound(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestOpen_EmptyFile(t *testing.T) {
	path := writeCSV(t, "")
	_, err := Open(path)
	assert.True(t, errors.Is(err, ErrNoHeader))
}

func TestReader_YieldsRowsInOrder(t *testing.T) {
	path := writeCSV(t, "Time,V1,Amount,Class\n0,1.5,10,0\n30,-2,20,1\n")
	r, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	assert.Equal(t, []string{"Time", "V1", "Amount", "Class"}, r.Header())

	ctx := context.Background()
	first, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, "1.5", first.Get("V1"))

	second, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Index)
	assert.Equal(t, "1", second.Get("Class"))

	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_ShortRecordLeavesFieldsAbsent(t *testing.T) {
	path := writeCSV(t, "Time,V1,Amount\n5\n")
	r, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	row, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5", row.Get("Time"))
	assert.Equal(t, "", row.Get("Amount"))
}

func TestReader_MalformedRowIsRecoverable(t *testing.T) {
	path := writeCSV(t, "Time,Amount\n1,\"bad\"x\n2,3\n")
	r, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	ctx := context.Background()
	_, err = r.Next(ctx)
	require.ErrorIs(t, err, ErrMalformedRow)

	row, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", row.Get("Amount"))
}

func TestReader_Restartable(t *testing.T) {
	path := writeCSV(t, "Time,Amount\n1,2\n")
	for i := 0; i < 2; i++ {
		rows, err := ReadAll(context.Background(), path)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, 0, rows[0].Index)
	}
}

func TestReader_CloseStopsReading(t *testing.T) {
	path := writeCSV(t, "Time,Amount\n1,2\n")
	r, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.True(t, r.Closed())

	_, err = r.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReader_CancelledContext(t *testing.T) {
	path := writeCSV(t, "Time,Amount\n1,2\n")
	r, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

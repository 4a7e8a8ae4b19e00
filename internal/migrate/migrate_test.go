package migrate

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/slotwatch/internal/db"
)

type fakeExecer struct {
	applied map[string]bool
	execs   []string
}

type boolRow bool

func (r boolRow) Scan(dest ...any) error {
	*(dest[0].(*bool)) = bool(r)
	return nil
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) error {
	f.execs = append(f.execs, sql)
	if strings.HasPrefix(sql, "INSERT INTO schema_migrations") {
		f.applied[args[0].(string)] = true
	}
	return nil
}

func (f *fakeExecer) QueryRow(_ context.Context, _ string, args ...any) db.Row {
	return boolRow(f.applied[args[0].(string)])
}

func TestFilesSorted(t *testing.T) {
	files, err := Files()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "001_service_state.sql", files[0])
	assert.IsNonDecreasing(t, files)
}

func TestUpIsIdempotent(t *testing.T) {
	f := &fakeExecer{applied: map[string]bool{}}

	applied, err := Up(context.Background(), f, zap.NewNop())
	require.NoError(t, err)
	assert.Contains(t, applied, "001_service_state.sql")

	applied, err = Up(context.Background(), f, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, applied)
}

package postgres

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// fakePool answers QueryRow by SQL substring match, which is all these repos
// need for unit coverage. Integration coverage runs against a real database.
type fakePool struct {
	rows  map[string]fakeRow
	execs []string
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

func (p *fakePool) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	for fragment, row := range p.rows {
		if strings.Contains(sql, fragment) {
			return row
		}
	}
	return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
}

func (p *fakePool) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	p.execs = append(p.execs, sql)
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (p *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (p *fakePool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return nil, pgx.ErrTxClosed
}

func groupRow(g domain.Group) fakeRow {
	return fakeRow{scan: func(dest ...any) error {
		*dest[0].(*int64) = g.ID
		*dest[1].(*int64) = g.ProjectID
		*dest[2].(*domain.GroupStatus) = g.Status
		*dest[3].(*string) = g.Platform
		*dest[4].(*int64) = g.TimesSeen
		return nil
	}}
}

func TestGroupRepo_GetWithRedirect_Direct(t *testing.T) {
	pool := &fakePool{rows: map[string]fakeRow{
		"FROM groups": groupRow(domain.Group{ID: 43, ProjectID: 1, Platform: "python", TimesSeen: 10}),
	}}
	r := NewGroupRepo(pool)

	g, err := r.GetWithRedirect(context.Background(), 43)
	require.NoError(t, err)
	assert.Equal(t, int64(43), g.ID)
	assert.Equal(t, int64(1), g.ProjectID)
}

func TestGroupRepo_GetWithRedirect_FollowsRedirect(t *testing.T) {
	// The requested id is gone; group_redirects points at the survivor. The
	// fake returns the survivor row for any groups select, which is fine
	// because the first lookup fails only when its row is absent — emulate
	// that with a two-step pool.
	calls := 0
	pool := &fakePool{}
	pool.rows = map[string]fakeRow{
		"FROM groups": {scan: func(dest ...any) error {
			calls++
			if calls == 1 {
				return pgx.ErrNoRows
			}
			return groupRow(domain.Group{ID: 44, ProjectID: 1}).scan(dest...)
		}},
		"FROM group_redirects": {scan: func(dest ...any) error {
			*dest[0].(*int64) = 44
			return nil
		}},
	}
	r := NewGroupRepo(pool)

	g, err := r.GetWithRedirect(context.Background(), 43)
	require.NoError(t, err)
	assert.Equal(t, int64(44), g.ID)
}

func TestGroupRepo_GetWithRedirect_NotFound(t *testing.T) {
	r := NewGroupRepo(&fakePool{})
	_, err := r.GetWithRedirect(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGroupRepo_PendingTimesSeen(t *testing.T) {
	pool := &fakePool{rows: map[string]fakeRow{
		"group_counter_buffer": {scan: func(dest ...any) error {
			*dest[0].(*int64) = 7
			return nil
		}},
	}}
	r := NewGroupRepo(pool)

	pending, err := r.PendingTimesSeen(context.Background(), 43)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pending)
}

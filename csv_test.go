package entstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportCSV_WithHeader(t *testing.T) {
	ctx := context.Background()
	repo, _ := newCustomerRepo(t)

	data := "Name, email ,Tier\nAnn,ann@example.com,gold\nBob,,\n"
	n, err := ImportCSV(repo, strings.NewReader(data), true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, repo.DirtyEntities(), 2)

	require.NoError(t, repo.SaveChanges(ctx))

	ann, err := repo.Single(ctx, Eq("Name", "Ann"))
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", ann.Email.String)
	assert.Equal(t, "gold", ann.Tier)

	bob, err := repo.Single(ctx, Eq("Name", "Bob"))
	require.NoError(t, err)
	assert.False(t, bob.Email.Valid)
	assert.Equal(t, "basic", bob.Tier)
}

func TestImportCSV_WithoutHeader(t *testing.T) {
	s := newTestSession(t)
	repo, err := NewRepository[order](s)
	require.NoError(t, err)

	data := "0,1,9.5,2024-01-02\n0,1,20,2024-01-03 10:30:00\n"
	n, err := ImportCSV(repo, strings.NewReader(data), false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dirty := repo.DirtyEntities()
	require.Len(t, dirty, 2)
	assert.Equal(t, 9.5, dirty[0].Total)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), dirty[0].PlacedAt)
	assert.Equal(t, 10, dirty[1].PlacedAt.Hour())
}

func TestImportCSV_Errors(t *testing.T) {
	repo, _ := newCustomerRepo(t)

	_, err := ImportCSV(repo, strings.NewReader("Name,Nickname\nAnn,A\n"), true)
	assert.ErrorContains(t, err, "Nickname")

	n, err := ImportCSV(repo, strings.NewReader("Name\nAnn\n"), true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = ImportCSV(repo, strings.NewReader("0,Ann,,gold\n1,Bob\n"), false)
	assert.Error(t, err)
	assert.Equal(t, 1, n, "records before the bad line are staged")

	_, err = ImportCSV(repo, strings.NewReader("ID,Name\nabc,Ann\n"), true)
	assert.ErrorContains(t, err, "line 1, ID")

	_, err = ImportCSV[customer](nil, strings.NewReader(""), true)
	assert.ErrorIs(t, err, ErrNilArgument)
}

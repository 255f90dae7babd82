//go:build integration

package cursor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"consentledger/internal/reconcile/cursor"
	"consentledger/pkg/testutil/containers"
)

type PostgresCursorSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *cursor.PostgresStore
}

func TestPostgresCursorSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresCursorSuite))
}

func (s *PostgresCursorSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = cursor.NewPostgres(s.postgres.DB)
}

func (s *PostgresCursorSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "reconcile_cursors"))
}

func (s *PostgresCursorSuite) TestSaveOverwrites() {
	ctx := context.Background()
	var got []any

	found, err := s.store.Load(ctx, "forms", &got)
	s.Require().NoError(err)
	s.False(found)

	s.Require().NoError(s.store.Save(ctx, "forms", []any{1700000000000, "doc-1"}))
	s.Require().NoError(s.store.Save(ctx, "forms", []any{1700000000005, "doc-9"}))

	found, err = s.store.Load(ctx, "forms", &got)
	s.Require().NoError(err)
	s.True(found)
	s.Equal([]any{float64(1700000000005), "doc-9"}, got)
}

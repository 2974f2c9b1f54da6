//go:build integration

package dbhandler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/dbhandler/pkg/apperrors"
	"github.com/ekaya-inc/dbhandler/pkg/gateway"
	"github.com/ekaya-inc/dbhandler/pkg/models"
	"github.com/ekaya-inc/dbhandler/pkg/store"
	"github.com/ekaya-inc/dbhandler/pkg/testhelpers"
)

func TestIntegration_Backends(t *testing.T) {
	for name, get := range map[string]func(*testing.T) *testhelpers.TestBackend{
		"mysql":    testhelpers.GetMySQL,
		"postgres": testhelpers.GetPostgres,
	} {
		t.Run(name, func(t *testing.T) {
			cfg := get(t).Config()
			// Tests share the container, so each run gets its own tables.
			cfg.Backend.TablePrefix = "it_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "") + "_"

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			h, err := Start(ctx, cfg, zaptest.NewLogger(t), players())
			require.NoError(t, err)
			defer stop(t, h)

			s, err := h.Store("players")
			require.NoError(t, err)
			id := uuid.New()
			_, err = s.Save(models.Record{"id": id, "name": "ash"}, store.On(gateway.Background)).Wait(ctx)
			require.NoError(t, err)
			_, err = s.Save(models.Record{"id": id, "name": "birch"}, store.On(gateway.Background)).Wait(ctx)
			require.NoError(t, err, "save overwrites an existing key")

			rec, err := s.Get(models.Record{"id": id}, store.On(gateway.Background)).Wait(ctx)
			require.NoError(t, err)
			assert.Equal(t, id, rec["id"])
			assert.Equal(t, "birch", rec["name"])

			repo, err := Repo[Guild](ctx, h)
			require.NoError(t, err)
			for _, n := range []string{"north", "south"} {
				_, err := repo.Save(&Guild{Name: n}, store.On(gateway.Background)).Wait(ctx)
				require.NoError(t, err)
			}
			guilds, err := repo.Find(nil, store.On(gateway.Background)).Wait(ctx)
			require.NoError(t, err)
			require.Len(t, guilds, 2)
			assert.Less(t, guilds[0].ID, guilds[1].ID)

			// Adding a column to a live table is safe; changing a type is not.
			wider := players()
			wider.Columns = append(wider.Columns, models.Column{Name: "level", Type: models.TypeInt32, Default: "1"})
			report, err := h.Declare(ctx, wider)
			require.NoError(t, err)
			assert.Len(t, report.AddedColumns, 1)

			broken := players()
			broken.Columns[1].Type = models.TypeTime
			_, err = h.Declare(ctx, broken)
			assert.ErrorIs(t, err, apperrors.ErrSchemaConflict)
		})
	}
}

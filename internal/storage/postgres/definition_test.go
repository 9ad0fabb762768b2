package postgres_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gameplay/internal/storage/postgres"
	"github.com/cory-johannsen/gameplay/internal/testutil"
)

const boltYAML = `
id: bolt
cost: Cost.Bolt
target_effects: [Damage.Bolt]
`

const costYAML = `
id: Cost.Bolt
modifiers:
  - attribute: Mana
    op: add
    magnitude:
      value: -10
`

func TestUpsert_RejectsInvalidBodyBeforeQuerying(t *testing.T) {
	repo := postgres.NewDefinitionRepository(nil)
	_, err := repo.Upsert(context.Background(), postgres.KindAbility, []byte("id: [unterminated"))
	assert.ErrorIs(t, err, postgres.ErrInvalidDefinition)

	_, err = repo.Create(context.Background(), postgres.Kind("montage"), []byte(boltYAML))
	assert.ErrorIs(t, err, postgres.ErrInvalidDefinition)
}

func newRepo(t *testing.T) *postgres.DefinitionRepository {
	t.Helper()
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	return pc.Pool.Definitions()
}

func TestDefinitionRepository_RoundTrip(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	id, err := repo.Create(ctx, postgres.KindAbility, []byte(boltYAML))
	require.NoError(t, err)
	assert.Equal(t, "bolt", id)
	_, err = repo.Create(ctx, postgres.KindAbility, []byte(boltYAML))
	assert.ErrorIs(t, err, postgres.ErrDefinitionExists)

	_, err = repo.Upsert(ctx, postgres.KindEffect, []byte(costYAML))
	require.NoError(t, err)

	abilities, err := repo.LoadAbilities(ctx)
	require.NoError(t, err)
	def, ok := abilities.Get("bolt")
	require.True(t, ok)
	assert.Equal(t, "Cost.Bolt", def.Cost)

	effects, err := repo.LoadEffects(ctx)
	require.NoError(t, err)
	_, ok = effects.Get("Cost.Bolt")
	assert.True(t, ok)

	row, err := repo.Get(ctx, postgres.KindAbility, "bolt")
	require.NoError(t, err)
	assert.Contains(t, string(row.Body), "target_effects")

	require.NoError(t, repo.Delete(ctx, postgres.KindAbility, "bolt"))
	_, err = repo.Get(ctx, postgres.KindAbility, "bolt")
	assert.ErrorIs(t, err, postgres.ErrDefinitionNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, postgres.KindAbility, "bolt"), postgres.ErrDefinitionNotFound)
}

func TestDefinitionRepository_UpsertReplacesBody(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	_, err := repo.Upsert(ctx, postgres.KindAbility, []byte(boltYAML))
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, postgres.KindAbility, []byte("id: bolt\nbehavior: passive\n"))
	require.NoError(t, err)

	abilities, err := repo.LoadAbilities(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, abilities.Len())
	def, _ := abilities.Get("bolt")
	assert.Equal(t, "passive", def.Behavior)
	assert.Empty(t, def.Cost)
}

// Property: every upserted ability is listed exactly once, in id order.
func TestPropertyDefinitionRepository_ListIsSortedAndUnique(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	rapid.Check(t, func(rt *rapid.T) {
		ids := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,12}`), 1, 8, rapid.ID[string]).Draw(rt, "ids")
		for _, id := range ids {
			if _, err := repo.Upsert(ctx, postgres.KindAbility, []byte(fmt.Sprintf("id: %s\n", id))); err != nil {
				rt.Fatalf("upsert %q: %v", id, err)
			}
		}
		rows, err := repo.List(ctx, postgres.KindAbility)
		if err != nil {
			rt.Fatalf("list: %v", err)
		}
		seen := make(map[string]bool)
		for i, row := range rows {
			if seen[row.ID] {
				rt.Fatalf("id %q listed twice", row.ID)
			}
			seen[row.ID] = true
			if i > 0 && rows[i-1].ID >= row.ID {
				rt.Fatalf("rows not sorted: %q before %q", rows[i-1].ID, row.ID)
			}
		}
		for _, id := range ids {
			if !seen[id] {
				rt.Fatalf("id %q missing", id)
			}
		}
	})
}

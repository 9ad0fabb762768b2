package ability_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/effect"
)

var contentDir = filepath.Join("..", "..", "..", "content")

func TestContent_SampleCatalogLoads(t *testing.T) {
	c, err := ability.LoadCatalog(ability.CatalogFiles{
		Abilities:  filepath.Join(contentDir, "abilities"),
		Effects:    filepath.Join(contentDir, "effects"),
		Curves:     filepath.Join(contentDir, "curves.yaml"),
		Attributes: filepath.Join(contentDir, "attributes.yaml"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	bolt, ok := c.Abilities.Get("bolt")
	require.True(t, ok)
	assert.Equal(t, ability.LocalPredicted, bolt.NetExecution)
	assert.Equal(t, ability.BehaviorInstant, bolt.Behavior)

	reaction, ok := c.Abilities.Get("stun_immunity")
	require.True(t, ok)
	assert.Equal(t, ability.ServerOnly, reaction.NetExecution)
	require.Len(t, reaction.Triggers, 1)
	assert.Equal(t, ability.TriggerOwnedTagAdded, reaction.Triggers[0].Source)

	ward, ok := c.Effect("ward")
	require.True(t, ok)
	assert.Equal(t, effect.HasDuration, ward.DurationPolicy)
	assert.Equal(t, effect.StackByTarget, ward.Stacking.Type)

	assert.True(t, c.Schema.Has(attribute.Attribute("SpellPower")))
	assert.Contains(t, c.Curves.Names(), "bolt_damage")
}

func TestContent_MontageLengths(t *testing.T) {
	lengths, err := ability.LoadMontageLengths(filepath.Join(contentDir, "montages.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 800*time.Millisecond, lengths["heavy_swing"])
}

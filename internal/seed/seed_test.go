package seed

import (
	"context"
	"testing"

	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemoCoversEveryKind(t *testing.T) {
	d, err := Demo()
	require.NoError(t, err)
	assert.Equal(t, "Finca La Esperanza", d.Farm)
	for _, kind := range entity.Kinds() {
		assert.NotEmpty(t, d.Records[kind], kind)
	}

	lots := d.Records[entity.KindLot]
	assert.Equal(t, "lot-north", lots[0].LocalID)
	require.NotNil(t, lots[0].ServerID)
	assert.Equal(t, "demo-lot-1", *lots[0].ServerID)
	assert.JSONEq(t, `{"name":"North Slope","variety":"Caturra","hectares":2.5,"altitudeM":1450,"plantedYear":2016}`, string(lots[0].Data))
}

func TestParseRejects(t *testing.T) {
	_, err := Parse([]byte("records:\n  tractor:\n    - id: t-1\n"))
	assert.ErrorContains(t, err, "unknown entity kind")

	_, err = Parse([]byte("records:\n  lot:\n    - data: {name: x}\n"))
	assert.ErrorContains(t, err, "without id")

	_, err = Parse([]byte("records: [1, 2"))
	assert.Error(t, err)
}

func TestLoadIsSyncedAndIdempotent(t *testing.T) {
	st, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	d, err := Demo()
	require.NoError(t, err)

	counts, err := Load(ctx, st, d)
	require.NoError(t, err)
	assert.Equal(t, len(d.Records[entity.KindTask]), counts[entity.KindTask])

	_, err = Load(ctx, st, d)
	require.NoError(t, err)

	pending, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	total, err := st.Count(ctx)
	require.NoError(t, err)
	n := 0
	for _, c := range total {
		n += c
	}
	assert.Equal(t, d.Count(), n)

	rec, err := st.Get(ctx, entity.KindHarvest, "harvest-2023-north")
	require.NoError(t, err)
	assert.False(t, rec.PendingSync)
	assert.False(t, rec.Dirty())
	require.NotNil(t, rec.ServerID)
}

func TestMerge(t *testing.T) {
	a, err := Parse([]byte("farm: North\nrecords:\n  lot:\n    - id: lot-1\n      data: {name: a}\n"))
	require.NoError(t, err)
	b, err := Parse([]byte("farm: South\nrecords:\n  lot:\n    - id: lot-2\n  task:\n    - id: task-1\n"))
	require.NoError(t, err)

	var d Dataset
	d.Merge(a)
	d.Merge(b)
	assert.Equal(t, "North", d.Farm)
	assert.Len(t, d.Records[entity.KindLot], 2)
	assert.Len(t, d.Records[entity.KindTask], 1)
	assert.Equal(t, 3, d.Count())
}

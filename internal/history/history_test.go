package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"areapresence/internal/area"
	"areapresence/internal/lightcontrol"
	"areapresence/internal/occupancy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_RecordAndQuery(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.RecordTransition(ctx, occupancy.Transition{
		Area:          "kitchen",
		From:          area.Clear,
		To:            area.Occupied,
		ActiveSensors: []string{"binary_sensor.kitchen_motion"},
		At:            base,
	}))
	require.NoError(t, db.RecordLightEvent(ctx, lightcontrol.Event{
		Area:        "kitchen",
		Kind:        lightcontrol.EventTurnOn,
		State:       area.Occupied,
		Entities:    []string{"light.kitchen"},
		Brightness:  127,
		Illuminance: 30,
		At:          base.Add(time.Second),
	}))
	require.NoError(t, db.RecordTransition(ctx, occupancy.Transition{
		Area: "hallway",
		From: area.Clear,
		To:   area.Occupied,
		At:   base,
	}))

	entries, err := db.History(ctx, "kitchen", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// newest first
	assert.Equal(t, "turn_on", entries[0].Kind)
	assert.Equal(t, "occupied", entries[0].ToState)
	assert.Equal(t, float64(127), entries[0].Details["brightness"])
	assert.Equal(t, base.Add(time.Second), entries[0].Timestamp)

	assert.Equal(t, KindTransition, entries[1].Kind)
	assert.Equal(t, "clear", entries[1].FromState)
	assert.Equal(t, "occupied", entries[1].ToState)
	assert.Equal(t, []interface{}{"binary_sensor.kitchen_motion"}, entries[1].Details["active_sensors"])
	assert.NotEmpty(t, entries[1].ID)
}

func TestDB_HistoryLimit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, db.RecordTransition(ctx, occupancy.Transition{
			Area: "kitchen",
			From: area.Occupied,
			To:   area.Extended,
			At:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	entries, err := db.History(ctx, "kitchen", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, base.Add(4*time.Minute), entries[0].Timestamp)

	_, err = db.History(ctx, "", 2)
	assert.Error(t, err)
}

func TestDB_Prune(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, db.RecordLightEvent(ctx, lightcontrol.Event{
			Area: "kitchen",
			Kind: lightcontrol.EventManual,
			At:   base.Add(time.Duration(i) * time.Hour),
		}))
	}

	removed, err := db.Prune(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	entries, err := db.History(ctx, "kitchen", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDB_RequiresArea(t *testing.T) {
	db := openTestDB(t)
	err := db.RecordTransition(context.Background(), occupancy.Transition{To: area.Occupied, At: base})
	assert.Error(t, err)
}

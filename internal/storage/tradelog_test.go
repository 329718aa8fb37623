package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rewired-gh/tradesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTrade(id string) models.Trade {
	return models.Trade{
		ID:        id,
		Symbol:    "SPY",
		Action:    models.ActionBuy,
		Quantity:  5,
		Price:     1.81,
		Status:    models.TradeExecuted,
		Timestamp: time.Now().UTC(),
		Source:    "manual",
	}
}

func TestTradeLog_AppendAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger", "trades.jsonl")
	log, err := OpenTradeLog(path)
	require.NoError(t, err)

	require.NoError(t, log.Append(testTrade("sim-1")))
	require.NoError(t, log.Append(testTrade("sim-2")))
	require.NoError(t, log.Close())

	reopened, err := OpenTradeLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	trades, err := reopened.Load()
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "sim-1", trades[0].ID)
	assert.Equal(t, "sim-2", trades[1].ID)
}

func TestTradeLog_LoadSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	content := `{"id":"sim-1","symbol":"SPY","action":"buy","quantity":1,"price":2,"status":"executed"}
{truncated
{"id":"","symbol":"SPY","action":"buy","quantity":1,"price":2,"status":"executed"}

{"id":"sim-2","symbol":"QQQ","action":"sell","quantity":3,"price":4,"status":"pending"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	log, err := OpenTradeLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	trades, err := log.Load()
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "sim-1", trades[0].ID)
	assert.Equal(t, "sim-2", trades[1].ID)
}

func TestTradeLog_AppendAfterClose(t *testing.T) {
	log, err := OpenTradeLog(filepath.Join(t.TempDir(), "trades.jsonl"))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	err = log.Append(testTrade("sim-1"))
	var perr *models.PersistenceError
	assert.ErrorAs(t, err, &perr)
}

func TestTradeLog_AppendAfterTornRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	content := `{"id":"sim-1","symbol":"SPY","action":"buy","quantity":1,"price":2,"status":"executed"}
{"id":"sim-2","symbol":"QQ`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	log, err := OpenTradeLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	require.NoError(t, log.Append(testTrade("sim-3")))
	require.NoError(t, log.Append(testTrade("sim-4")))

	trades, err := log.Load()
	require.NoError(t, err)
	ids := make([]string, len(trades))
	for i, tr := range trades {
		ids[i] = tr.ID
	}
	assert.Equal(t, []string{"sim-1", "sim-3", "sim-4"}, ids)
}

package task

import (
	"context"
	"testing"

	"github.com/blues/payrecon/internal/chain"
	"github.com/blues/payrecon/internal/config"
	"github.com/blues/payrecon/internal/database"
	"github.com/blues/payrecon/internal/logic"
	"github.com/blues/payrecon/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type countingNotifier struct {
	calls int
}

func (c *countingNotifier) Notify(context.Context, int64, string, string) error {
	c.calls++
	return nil
}

func newServices(t *testing.T) (*gorm.DB, *logic.Services, *config.Config) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), database.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	cfg := config.Default()
	return db, logic.NewServices(db, cfg, chain.NewLedger(nil, 0), logic.SyncRunner{}, nil), cfg
}

func TestManagerRegistersJobs(t *testing.T) {
	_, services, cfg := newServices(t)

	manager, err := NewManager(services, &countingNotifier{}, cfg, nil)
	require.NoError(t, err)
	manager.RegisterJobs()
	assert.Equal(t, 2, manager.Jobs())
	manager.Stop()
}

func TestOutboxJobDelivers(t *testing.T) {
	db, services, cfg := newServices(t)
	ctx := context.Background()

	require.NoError(t, services.Outbox.Enqueue(ctx, db, logic.Notification{UserId: 1, Kind: model.NotifyKindNewOrder, Message: "hi"}))

	notifier := &countingNotifier{}
	NewOutboxJob(services.Outbox, notifier, cfg.Task).Execute()
	assert.Equal(t, 1, notifier.calls)

	var msg model.OutboxMessageModel
	require.NoError(t, db.First(&msg).Error)
	assert.Equal(t, model.OutboxStatusSent, msg.Status)
}

func TestSweepJobRunsWithoutWork(t *testing.T) {
	_, services, cfg := newServices(t)
	job := NewSweepJob(services.Sweeper, cfg.Task)
	assert.Equal(t, "reconciliation_sweep", job.GetName())
	assert.NotPanics(t, job.Execute)
}

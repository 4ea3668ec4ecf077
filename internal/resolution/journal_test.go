package resolution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryJournal(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()

	_, done, err := j.Lookup(ctx, "approve_refund:r1", stepProcessorRefund)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, j.Record(ctx, "approve_refund:r1", stepProcessorRefund, "re_1"))
	v, done, err := j.Lookup(ctx, "approve_refund:r1", stepProcessorRefund)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "re_1", v)

	_, done, _ = j.Lookup(ctx, "approve_refund:r2", stepProcessorRefund)
	assert.False(t, done, "sagas are independent")
}

func TestRedisJournal(t *testing.T) {
	client, mock := redismock.NewClientMock()
	j := NewRedisJournal(client, "resolution:", time.Hour)
	ctx := context.Background()

	mock.ExpectGet("resolution:approve_refund:r1:processor_refund").RedisNil()
	mock.ExpectSet("resolution:approve_refund:r1:processor_refund", "re_1", time.Hour).SetVal("OK")
	mock.ExpectGet("resolution:approve_refund:r1:processor_refund").SetVal("re_1")

	_, done, err := j.Lookup(ctx, "approve_refund:r1", stepProcessorRefund)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, j.Record(ctx, "approve_refund:r1", stepProcessorRefund, "re_1"))

	v, done, err := j.Lookup(ctx, "approve_refund:r1", stepProcessorRefund)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "re_1", v)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisJournal_Errors(t *testing.T) {
	client, mock := redismock.NewClientMock()
	j := NewRedisJournal(client, "resolution:", 0)
	ctx := context.Background()

	mock.ExpectGet("resolution:s:step").SetErr(errors.New("connection refused"))
	mock.ExpectSet("resolution:s:step", "v", DefaultJournalTTL).SetErr(errors.New("READONLY"))

	_, done, err := j.Lookup(ctx, "s", "step")
	assert.Error(t, err)
	assert.False(t, done)
	assert.Error(t, j.Record(ctx, "s", "step", "v"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

type brokenJournal struct{}

func (brokenJournal) Lookup(context.Context, string, string) (string, bool, error) {
	return "", false, errors.New("redis down")
}

func (brokenJournal) Record(context.Context, string, string, string) error {
	return errors.New("redis down")
}

func TestWorkflow_JournalOutageDoesNotBlockResolution(t *testing.T) {
	f := newFixture()
	f.workflow.WithJournal(brokenJournal{})
	r := f.scenarioA(t)

	out, err := f.workflow.ApproveRefund(context.Background(), ApproveRefundRequest{ReportID: r.ID, AdminID: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, "resolved_refund", string(out.Report.Status))
	assert.Len(t, f.processor.refunds, 1)
}

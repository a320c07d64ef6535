package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eraser-privacy/optout/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "optout.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRequest(user, broker string) *domain.DeletionRequest {
	return &domain.DeletionRequest{
		UserID:       user,
		BrokerID:     broker,
		BrokerName:   broker,
		Framework:    "GDPR",
		EmailSubject: "Data Deletion Request under GDPR",
		EmailBody:    "please delete",
	}
}

func TestCreateAndGetRequest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	r := newRequest("alice", "spokeo")
	require.NoError(t, s.CreateRequest(ctx, r))
	assert.NotZero(t, r.ID)
	assert.Equal(t, domain.StatusPending, r.Status)

	got, err := s.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "spokeo", got.BrokerID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Nil(t, got.SentAt)
	assert.Nil(t, got.NextRetryAt)

	_, err = s.GetRequest(ctx, 9999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateRequestDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateRequest(ctx, newRequest("alice", "spokeo")))
	err := s.CreateRequest(ctx, newRequest("alice", "spokeo"))
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	// same broker for another user is fine
	require.NoError(t, s.CreateRequest(ctx, newRequest("bob", "spokeo")))
}

func TestUpdateRequestRoundTripsTimes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	r := newRequest("alice", "acxiom")
	require.NoError(t, s.CreateRequest(ctx, r))

	sent := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	r.Status = domain.StatusSent
	r.SentAt = &sent
	r.SendAttempts = 1
	r.SentMessageID = "<abc@example.com>"
	r.ThreadID = "abc@example.com"
	require.NoError(t, s.UpdateRequest(ctx, r))

	got, err := s.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.True(t, sent.Equal(*got.SentAt))
	assert.Equal(t, "abc@example.com", got.ThreadID)
	assert.Equal(t, 1, got.SendAttempts)

	missing := newRequest("alice", "ghost")
	missing.ID = 4242
	assert.ErrorIs(t, s.UpdateRequest(ctx, missing), domain.ErrNotFound)
}

func TestListDueForRetryAndOutstanding(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	due := newRequest("alice", "due")
	require.NoError(t, s.CreateRequest(ctx, due))
	past := now.Add(-time.Minute)
	due.NextRetryAt = &past
	require.NoError(t, s.UpdateRequest(ctx, due))

	later := newRequest("alice", "later")
	require.NoError(t, s.CreateRequest(ctx, later))
	future := now.Add(time.Hour)
	later.NextRetryAt = &future
	require.NoError(t, s.UpdateRequest(ctx, later))

	fresh := newRequest("alice", "fresh")
	require.NoError(t, s.CreateRequest(ctx, fresh))

	sent := newRequest("alice", "sent")
	require.NoError(t, s.CreateRequest(ctx, sent))
	sent.Status = domain.StatusSent
	sent.SentAt = &past
	require.NoError(t, s.UpdateRequest(ctx, sent))

	action := newRequest("alice", "action")
	require.NoError(t, s.CreateRequest(ctx, action))
	action.Status = domain.StatusActionRequired
	action.SentAt = &now
	require.NoError(t, s.UpdateRequest(ctx, action))

	confirmed := newRequest("alice", "confirmed")
	require.NoError(t, s.CreateRequest(ctx, confirmed))
	confirmed.Status = domain.StatusConfirmed
	require.NoError(t, s.UpdateRequest(ctx, confirmed))

	retry, err := s.ListDueForRetry(ctx, "alice", now)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	assert.Equal(t, "due", retry[0].BrokerID)

	outstanding, err := s.ListOutstanding(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, outstanding, 2)
	assert.Equal(t, "action", outstanding[0].BrokerID)
	assert.Equal(t, "sent", outstanding[1].BrokerID)

	stats, err := s.RequestStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, stats[domain.StatusPending])
	assert.Equal(t, 1, stats[domain.StatusConfirmed])
}

func TestSaveResponseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	resp := &domain.BrokerResponse{
		UserID:       "alice",
		MessageID:    "reply-1@spokeo.com",
		SenderEmail:  "privacy@spokeo.com",
		Subject:      "Re: Data Deletion Request",
		ReceivedAt:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		ResponseType: domain.ResponseConfirmation,
		Confidence:   0.9,
		Source:       "rules",
	}
	inserted, err := s.SaveResponse(ctx, resp)
	require.NoError(t, err)
	assert.True(t, inserted)
	firstID := resp.ID

	again := *resp
	again.ID = 0
	inserted, err = s.SaveResponse(ctx, &again)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, firstID, again.ID)

	require.NoError(t, s.MarkResponseProcessed(ctx, firstID))
	got, err := s.GetResponseByMessageID(ctx, "alice", "reply-1@spokeo.com")
	require.NoError(t, err)
	assert.True(t, got.IsProcessed)
	require.NotNil(t, got.ProcessedAt)
	assert.Equal(t, domain.ResponseConfirmation, got.ResponseType)

	list, err := s.ListResponses(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSaveScanDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	scan := &domain.EmailScan{
		UserID:        "alice",
		MessageID:     "m1@example.com",
		SenderEmail:   "news@spokeo.com",
		SenderDomain:  "spokeo.com",
		IsBrokerEmail: true,
		Confidence:    1,
		BrokerID:      "spokeo",
		ReceivedAt:    time.Now().UTC(),
	}
	inserted, err := s.SaveScan(ctx, scan)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := *scan
	inserted, err = s.SaveScan(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	scans, err := s.ListScans(ctx, "alice", true)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, "spokeo", scans[0].BrokerID)
}

func TestActivities(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := int64(7)
	require.NoError(t, s.InsertActivity(ctx, &domain.Activity{
		UserID: "alice", Type: domain.ActivityRequestCreated, Message: "created", DeletionRequestID: &id,
	}))
	require.NoError(t, s.InsertActivity(ctx, &domain.Activity{
		UserID: "alice", Type: domain.ActivityRequestSent, Message: "sent",
	}))

	acts, err := s.ListActivities(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, domain.ActivityRequestSent, acts[0].Type)
	require.NotNil(t, acts[1].DeletionRequestID)
	assert.Equal(t, int64(7), *acts[1].DeletionRequestID)
}

func TestWatermarkOnlyAdvances(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.Watermark(ctx, "alice", "inbox")
	require.NoError(t, err)
	assert.False(t, ok)

	t1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AdvanceWatermark(ctx, "alice", "inbox", t1))
	require.NoError(t, s.AdvanceWatermark(ctx, "alice", "inbox", t1.Add(-time.Hour)))

	got, ok, err := s.Watermark(ctx, "alice", "inbox")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, t1.Equal(got))

	_, ok, err = s.Watermark(ctx, "alice", "responses")
	require.NoError(t, err)
	assert.False(t, ok)
}

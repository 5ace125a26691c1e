// SPDX-License-Identifier: MIT

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/store"
)

func TestRecordAppendsToStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	rec := New(st)

	rec.Record(ctx, model.AuditEntry{
		TenantID:     "acme",
		ActorID:      "user-1",
		Action:       ActionSessionAllocate,
		ResourceType: model.ResourceSession,
		ResourceID:   "sess-1",
		Detail:       map[string]string{"worker_id": "rtw-1"},
	})

	entries, err := st.ListAudit(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, ActionSessionAllocate, e.Action)
	assert.Equal(t, model.ActorUser, e.ActorType, "actor type defaults to user")
	assert.Equal(t, "sess-1", e.ResourceID)
	assert.Equal(t, "rtw-1", e.Detail["worker_id"])
	assert.False(t, e.Timestamp.IsZero(), "timestamp stamped on record")
	assert.WithinDuration(t, time.Now(), e.Timestamp, 5*time.Second)
}

func TestRecordNilStore(t *testing.T) {
	rec := New(nil)

	// Log mirror only; must not panic.
	rec.Record(context.Background(), model.AuditEntry{
		Action: ActionAuthFailure,
	})
}

func TestAuthHelpers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	rec := New(st)

	rec.AuthFailure(ctx, "192.168.1.51", "curl/8.5.0", "/v1/audio/transcriptions")
	rec.AuthMissing(ctx, "192.168.1.52", "", "/v1/engines")
	rec.RateLimited(ctx, "acme", "10.0.0.3", "/v1/audio/transcriptions")

	entries, err := st.ListAudit(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Newest first.
	assert.Equal(t, ActionRateLimited, entries[0].Action)
	assert.Equal(t, "acme", entries[0].TenantID)
	assert.Equal(t, ActionAuthMissing, entries[1].Action)
	assert.Equal(t, ActionAuthFailure, entries[2].Action)
	assert.Equal(t, "192.168.1.51", entries[2].IPAddress)
	assert.Equal(t, "curl/8.5.0", entries[2].UserAgent)
	assert.Equal(t, "/v1/audio/transcriptions", entries[2].Detail["path"])
}

func TestSessionHelpers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	rec := New(st)

	rec.SessionAllocated(ctx, "acme", "user-1", "sess-1", "rtw-1", "corr-1", "10.0.0.1", "dalston-client/1.0")
	rec.SessionReleased(ctx, "acme", "user-1", "sess-1", model.SessionCompleted, "client done")

	entries, err := st.ListAudit(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	rel := entries[0]
	assert.Equal(t, ActionSessionRelease, rel.Action)
	assert.Equal(t, string(model.SessionCompleted), rel.Detail["status"])
	assert.Equal(t, "client done", rel.Detail["close_reason"])

	alloc := entries[1]
	assert.Equal(t, ActionSessionAllocate, alloc.Action)
	assert.Equal(t, model.ResourceSession, alloc.ResourceType)
	assert.Equal(t, "sess-1", alloc.ResourceID)
	assert.Equal(t, "rtw-1", alloc.Detail["worker_id"])
	assert.Equal(t, "corr-1", alloc.CorrelationID)
}

func BenchmarkRecord(b *testing.B) {
	rec := New(store.NewMemory())
	entry := model.AuditEntry{
		TenantID: "bench",
		Action:   ActionSessionAllocate,
		Detail: map[string]string{
			"worker_id": "rtw-1",
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rec.Record(context.Background(), entry)
	}
}

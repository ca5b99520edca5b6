package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
	"github.com/tbourn/inbox-ai-pipeline/internal/queue"
	"github.com/tbourn/inbox-ai-pipeline/internal/repo"
	"github.com/tbourn/inbox-ai-pipeline/internal/search"
)

func seedInbound(t *testing.T, svc *MessageService, ch domain.Channel, cmid, sender, text string) *domain.Message {
	t.Helper()
	m, _, err := repo.UpsertInbound(context.Background(), svc.DB, &domain.Message{
		Channel:          ch,
		ChannelMessageID: cmid,
		ConnectionID:     "wa-main",
		SenderID:         sender,
		MessageText:      text,
		MessageType:      domain.MessageTypeText,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return m
}

func newMessageService(t *testing.T) (*MessageService, *queue.Queue) {
	t.Helper()
	db := newSvcDB(t)
	q := queue.New(db, queue.Options{}, zerolog.Nop())
	return &MessageService{DB: db, Queue: q, Log: zerolog.Nop()}, q
}

func TestMessageService_ListPage(t *testing.T) {
	svc, _ := newMessageService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seedInbound(t, svc, domain.ChannelWhatsApp, fmt.Sprintf("wamid.%d", i), "905551112233", "hello")
	}
	seedInbound(t, svc, domain.ChannelInstagram, "mid.1", "1789", "hey")

	items, total, err := svc.ListPage(ctx, repo.MessageFilter{Channel: domain.ChannelWhatsApp}, 1, 2)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if total != 5 || len(items) != 2 {
		t.Fatalf("total=%d len=%d; want 5/2", total, len(items))
	}

	items, _, err = svc.ListPage(ctx, repo.MessageFilter{Channel: domain.ChannelWhatsApp}, 3, 2)
	if err != nil || len(items) != 1 {
		t.Fatalf("last page: len=%d err=%v", len(items), err)
	}

	// Defaults applied for invalid page inputs.
	items, total, err = svc.ListPage(ctx, repo.MessageFilter{}, 0, 0)
	if err != nil || total != 6 || len(items) != 6 {
		t.Fatalf("defaults: total=%d len=%d err=%v", total, len(items), err)
	}

	items, total, err = svc.ListPage(ctx, repo.MessageFilter{Status: domain.StatusFailed}, 1, 10)
	if err != nil || total != 0 || items == nil || len(items) != 0 {
		t.Fatalf("empty filter: total=%d items=%v err=%v", total, items, err)
	}

	count, maxTS, err := svc.Stats(ctx, repo.MessageFilter{Channel: domain.ChannelInstagram})
	if err != nil || count != 1 || maxTS == nil {
		t.Fatalf("Stats: count=%d maxTS=%v err=%v", count, maxTS, err)
	}
}

func TestMessageService_Get(t *testing.T) {
	svc, _ := newMessageService(t)
	m := seedInbound(t, svc, domain.ChannelWhatsApp, "wamid.1", "905551112233", "hello")

	got, err := svc.Get(context.Background(), m.ID)
	if err != nil || got.ChannelMessageID != "wamid.1" {
		t.Fatalf("Get: %+v err=%v", got, err)
	}
	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("want ErrMessageNotFound, got %v", err)
	}
}

func TestMessageService_Search(t *testing.T) {
	svc, _ := newMessageService(t)
	ctx := context.Background()

	if _, err := svc.Search(ctx, search.Query{Q: "x"}); !errors.Is(err, ErrSearchUnavailable) {
		t.Fatalf("want ErrSearchUnavailable, got %v", err)
	}

	idx := search.NewMemoryIndex()
	svc.Index = idx
	a := seedInbound(t, svc, domain.ChannelWhatsApp, "wamid.1", "905551112233", "where is my order")
	b := seedInbound(t, svc, domain.ChannelWhatsApp, "wamid.2", "905551112244", "opening hours please")
	if err := idx.Upsert(ctx, search.FromMessage(a), search.FromMessage(b)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hits, err := svc.Search(ctx, search.Query{Q: "order", Limit: 1000})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Document.ID != a.ID {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestMessageService_Reprocess(t *testing.T) {
	svc, q := newMessageService(t)
	ctx := context.Background()
	m := seedInbound(t, svc, domain.ChannelWhatsApp, "wamid.1", "905551112233", "hello")

	// Simulate an exhausted job.
	if _, err := q.Enqueue(ctx, m.JobID(), JobFor(m)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := repo.UpdateStatus(ctx, svc.DB, m.ID, domain.StatusFailed, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := svc.DB.Model(&domain.JobRecord{}).Where("id = ?", m.JobID()).
		Updates(map[string]any{"status": domain.JobFailed, "attempts": 3}).Error; err != nil {
		t.Fatalf("fail job: %v", err)
	}

	got, err := svc.Reprocess(ctx, m.ID)
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("status = %s", got.Status)
	}
	rec, err := q.Get(ctx, m.JobID())
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if rec.Status != domain.JobQueued || rec.Attempts != 0 {
		t.Fatalf("job not re-armed: %s attempts=%d", rec.Status, rec.Attempts)
	}

	// Completed and outbound rows are refused.
	done := "ok"
	_ = repo.UpdateStatus(ctx, svc.DB, m.ID, domain.StatusCompleted, &done)
	if _, err := svc.Reprocess(ctx, m.ID); !errors.Is(err, ErrNotReprocessable) {
		t.Fatalf("completed: want ErrNotReprocessable, got %v", err)
	}
	out, _ := repo.CreateOutbound(ctx, svc.DB, &domain.Message{
		Channel: domain.ChannelWhatsApp, ChannelMessageID: "wamid.OUT", SenderID: "905551112233", MessageText: "hi",
	})
	if _, err := svc.Reprocess(ctx, out.ID); !errors.Is(err, ErrNotReprocessable) {
		t.Fatalf("outbound: want ErrNotReprocessable, got %v", err)
	}
	if _, err := svc.Reprocess(ctx, "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("missing: want ErrMessageNotFound, got %v", err)
	}
}

func TestMessageService_ReprocessByStatus(t *testing.T) {
	svc, q := newMessageService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedInbound(t, svc, domain.ChannelWhatsApp, fmt.Sprintf("wamid.%d", i), "905551112233", "hello")
	}
	done := seedInbound(t, svc, domain.ChannelWhatsApp, "wamid.done", "905551112233", "hello")
	reply := "ok"
	_ = repo.UpdateStatus(ctx, svc.DB, done.ID, domain.StatusCompleted, &reply)

	n, err := svc.ReprocessByStatus(ctx, domain.StatusPending)
	if err != nil {
		t.Fatalf("ReprocessByStatus: %v", err)
	}
	if n != 3 {
		t.Fatalf("re-armed = %d; want 3", n)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[domain.JobQueued] != 3 {
		t.Fatalf("queued jobs = %d; want 3", stats[domain.JobQueued])
	}
}

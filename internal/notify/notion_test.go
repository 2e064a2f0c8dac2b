package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/finance-ledger/internal/reconcile"
)

type fakeNotion struct {
	databaseID string
	properties notionapi.Properties
	err        error
}

func (f *fakeNotion) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
	f.databaseID = databaseID
	f.properties = properties
	if f.err != nil {
		return nil, f.err
	}
	return &notionapi.Page{}, nil
}

func sampleReport() reconcile.Report {
	return reconcile.Report{
		GeneratedAt:  time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		Transactions: 42,
		Orphans: []reconcile.OrphanedLink{
			{TransactionID: "a", Field: "reimbursement_id", Target: "gone"},
		},
		OneWay: []reconcile.OneWayLink{
			{FromID: "b", ToID: "c", Field: "transfer_id"},
		},
	}
}

func TestNotionSink_PublishReport(t *testing.T) {
	fake := &fakeNotion{}
	sink := NewNotionSink(fake, "db-123")

	if err := sink.PublishReport(context.Background(), sampleReport()); err != nil {
		t.Fatalf("PublishReport failed: %v", err)
	}

	if fake.databaseID != "db-123" {
		t.Errorf("Expected database db-123, got %s", fake.databaseID)
	}

	title, ok := fake.properties["Title"].(notionapi.TitleProperty)
	if !ok || len(title.Title) == 0 {
		t.Fatal("Expected a title property")
	}
	if !strings.Contains(title.Title[0].Text.Content, "1 orphaned links") {
		t.Errorf("Expected summary in title, got %q", title.Title[0].Text.Content)
	}

	status, ok := fake.properties["Status"].(notionapi.SelectProperty)
	if !ok || status.Select.Name != "issues" {
		t.Errorf("Expected status issues, got %+v", fake.properties["Status"])
	}

	detail, ok := fake.properties["Detail"].(notionapi.RichTextProperty)
	if !ok {
		t.Fatal("Expected a detail property for an unhealthy report")
	}
	text := detail.RichText[0].Text.Content
	if !strings.Contains(text, "orphan: a.reimbursement_id -> gone") {
		t.Errorf("Expected orphan line in detail, got %q", text)
	}
	if !strings.Contains(text, "one-way: b.transfer_id -> c") {
		t.Errorf("Expected one-way line in detail, got %q", text)
	}
}

func TestNotionSink_HealthyReportHasNoDetail(t *testing.T) {
	fake := &fakeNotion{}
	sink := NewNotionSink(fake, "db-123")

	report := reconcile.Report{
		GeneratedAt:  time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		Transactions: 10,
	}
	if err := sink.PublishReport(context.Background(), report); err != nil {
		t.Fatalf("PublishReport failed: %v", err)
	}

	if _, ok := fake.properties["Detail"]; ok {
		t.Error("Expected no detail property on a healthy report")
	}
	status := fake.properties["Status"].(notionapi.SelectProperty)
	if status.Select.Name != "healthy" {
		t.Errorf("Expected status healthy, got %s", status.Select.Name)
	}
}

func TestNotionSink_PropagatesError(t *testing.T) {
	fake := &fakeNotion{err: errors.New("rate limited")}
	sink := NewNotionSink(fake, "db-123")

	if err := sink.PublishReport(context.Background(), sampleReport()); err == nil {
		t.Error("Expected an error from a failing client")
	}
}

func TestDetailText_Capped(t *testing.T) {
	r := reconcile.Report{GeneratedAt: time.Now()}
	for i := 0; i < maxIssueLines+10; i++ {
		r.Orphans = append(r.Orphans, reconcile.OrphanedLink{
			TransactionID: "tx", Field: "transfer_id", Target: "gone",
		})
	}

	text := detailText(r)
	lines := strings.Split(text, "\n")
	if len(lines) != maxIssueLines+1 {
		t.Fatalf("Expected %d lines, got %d", maxIssueLines+1, len(lines))
	}
	if !strings.Contains(lines[maxIssueLines], "10 more") {
		t.Errorf("Expected truncation marker, got %q", lines[maxIssueLines])
	}
}

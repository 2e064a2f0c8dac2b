package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/finance-ledger/internal/reconcile"
)

// maxIssueLines caps how many individual link issues are rendered into one
// report page; the counts in the summary still cover everything.
const maxIssueLines = 50

// NotionService is the slice of the Notion API the sink needs. It exists so
// tests can substitute a fake for the real client.
type NotionService interface {
	CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error)
}

// NotionClient implements NotionService with the official SDK.
type NotionClient struct {
	client *notionapi.Client
}

// NewNotionClient creates a client with the provided API token.
func NewNotionClient(token string) *NotionClient {
	return &NotionClient{client: notionapi.NewClient(notionapi.Token(token))}
}

// CreatePage creates a new page in a Notion database with the given properties.
func (n *NotionClient) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
	req := &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(databaseID),
		},
		Properties: properties,
	}
	page, err := n.client.Page.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("CreatePage: %w", err)
	}
	return page, nil
}

// NotionSink publishes each report as a page in a Notion database, one page
// per diagnostic run.
type NotionSink struct {
	client     NotionService
	databaseID string
}

// NewNotionSink creates a sink writing into the given database.
func NewNotionSink(client NotionService, databaseID string) *NotionSink {
	return &NotionSink{client: client, databaseID: databaseID}
}

// PublishReport implements Sink.
func (s *NotionSink) PublishReport(ctx context.Context, r reconcile.Report) error {
	if _, err := s.client.CreatePage(ctx, s.databaseID, reportProperties(r)); err != nil {
		return fmt.Errorf("publish report to Notion: %w", err)
	}
	return nil
}

// reportProperties maps a report onto the Link Integrity database schema:
// Title, Generated, Transactions, Orphaned Links, One-Way Links, Status and a
// Detail text block.
func reportProperties(r reconcile.Report) notionapi.Properties {
	status := "healthy"
	if !r.Healthy() {
		status = "issues"
	}

	props := notionapi.Properties{
		"Title": notionapi.TitleProperty{
			Title: richText(r.Summary()),
		},
		"Generated": notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: (*notionapi.Date)(&r.GeneratedAt)},
		},
		"Transactions": notionapi.NumberProperty{
			Number: float64(r.Transactions),
		},
		"Orphaned Links": notionapi.NumberProperty{
			Number: float64(len(r.Orphans)),
		},
		"One-Way Links": notionapi.NumberProperty{
			Number: float64(len(r.OneWay)),
		},
		"Status": notionapi.SelectProperty{
			Select: notionapi.Option{Name: status},
		},
	}

	if detail := detailText(r); detail != "" {
		props["Detail"] = notionapi.RichTextProperty{
			RichText: richText(detail),
		}
	}
	return props
}

func detailText(r reconcile.Report) string {
	var lines []string
	for _, o := range r.Orphans {
		lines = append(lines, fmt.Sprintf("orphan: %s.%s -> %s", o.TransactionID, o.Field, o.Target))
	}
	for _, l := range r.OneWay {
		lines = append(lines, fmt.Sprintf("one-way: %s.%s -> %s", l.FromID, l.Field, l.ToID))
	}
	if len(lines) > maxIssueLines {
		lines = append(lines[:maxIssueLines], fmt.Sprintf("... %d more", len(lines)-maxIssueLines))
	}
	return strings.Join(lines, "\n")
}

func richText(content string) []notionapi.RichText {
	return []notionapi.RichText{
		{
			Type: notionapi.ObjectTypeText,
			Text: &notionapi.Text{Content: content},
		},
	}
}

var _ Sink = (*NotionSink)(nil)

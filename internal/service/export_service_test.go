package service

import (
	"context"
	"strings"
	"testing"

	"app/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

type fakeObjectStore struct {
	puts    []string
	deletes []string
}

func (f *fakeObjectStore) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts = append(f.puts, aws.ToString(params.Key))
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjectStore) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deletes = append(f.deletes, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// deniedDebitCredits passes the pre-flight check but refuses the debit, like
// a balance racing to zero between the two.
type deniedDebitCredits struct {
	CreditsService
}

func (f *deniedDebitCredits) CheckCreditsAvailable(ctx context.Context, userID string, requiredCredits int) CreditCheck {
	return CreditCheck{Available: true, Credits: &model.UserCredits{UserID: userID, SubscriptionType: model.SubscriptionBasic, RemainingCredits: 1}}
}

func (f *deniedDebitCredits) ConsumeCredits(ctx context.Context, userID string, creditsToConsume int, operationType model.OperationType, metadata model.TransactionMetadata, conversationID, messageID *string) ConsumeResult {
	return ConsumeResult{Success: false, Err: newInsufficientCreditsError(creditsToConsume, 0)}
}

// A debit denied after the upload must not leave the object behind.
func TestExportDeniedDebitDeletesUpload(t *testing.T) {
	convRepo := newFakeConversationRepo()
	msg := &model.Message{
		ConversationID: "conv-1",
		Role:           "assistant",
		SQLResults:     model.SQLResults{{"produit": "Doliprane"}},
	}
	if err := convRepo.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("seeding message: %v", err)
	}

	store := &fakeObjectStore{}
	svc := &exportService{
		conversationRepo: convRepo,
		credits:          &deniedDebitCredits{},
		store:            store,
		bucketName:       "exports",
		logger:           zerolog.Nop(),
	}

	_, chatErr := svc.ExportMessageResults(context.Background(), "u1", "conv-1", msg.ID, ExportFormatCSV)
	if chatErr == nil || chatErr.Credits == nil {
		t.Fatalf("expected a credits denial, got %+v", chatErr)
	}
	if len(store.puts) != 1 {
		t.Fatalf("expected one upload attempt, got %d", len(store.puts))
	}
	if len(store.deletes) != 1 || store.deletes[0] != store.puts[0] {
		t.Fatalf("the uploaded object must be deleted on a denied debit, puts=%v deletes=%v", store.puts, store.deletes)
	}
}

func TestEncodeResultsCSV(t *testing.T) {
	rows := model.SQLResults{
		{"produit": "Doliprane", "quantite": float64(12), "prix": 4.5},
		{"produit": "Spasfon", "quantite": float64(3), "rupture": true},
	}

	out, err := encodeResultsCSV(rows)
	if err != nil {
		t.Fatalf("encoding failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d lines: %q", len(lines), out)
	}
	// Header is the sorted union of all row columns.
	if lines[0] != "prix,produit,quantite,rupture" {
		t.Errorf("unexpected header: %q", lines[0])
	}
	if lines[1] != "4.5,Doliprane,12," {
		t.Errorf("unexpected first row: %q", lines[1])
	}
	if lines[2] != ",Spasfon,3,true" {
		t.Errorf("unexpected second row: %q", lines[2])
	}
}

func TestEncodeResultsCSVNestedValue(t *testing.T) {
	rows := model.SQLResults{
		{"details": map[string]any{"lot": "A12"}},
	}
	out, err := encodeResultsCSV(rows)
	if err != nil {
		t.Fatalf("encoding failed: %v", err)
	}
	if !strings.Contains(string(out), `"{""lot"":""A12""}"`) {
		t.Errorf("nested values should be JSON-encoded, got %q", out)
	}
}

func TestFormatNumber(t *testing.T) {
	if got := formatNumber(42); got != "42" {
		t.Errorf("integers print without a decimal part, got %q", got)
	}
	if got := formatNumber(4.5); got != "4.5" {
		t.Errorf("fractions keep their decimals, got %q", got)
	}
}

package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"app/internal/model"
	"app/internal/repository"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

const (
	ExportFormatCSV  = "csv"
	ExportFormatJSON = "json"
)

// ExportResult describes a completed export: where the file landed and a
// short-lived download link.
type ExportResult struct {
	StoragePath      string `json:"storage_path"`
	DownloadURL      string `json:"download_url"`
	Format           string `json:"format"`
	RowCount         int    `json:"row_count"`
	CreditsUsed      int    `json:"credits_used"`
	RemainingCredits int    `json:"remaining_credits"`
}

// ExportService writes the SQL results of an assistant message to object
// storage so users can pull query output into a spreadsheet.
type ExportService interface {
	ExportMessageResults(ctx context.Context, userID, conversationID, messageID, format string) (*ExportResult, *ChatError)
}

// objectStore is the subset of the S3 API the export flow uses.
type objectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type exportService struct {
	conversationRepo repository.ConversationRepository
	credits          CreditsService
	store            objectStore
	presignClient    *s3.PresignClient
	bucketName       string
	logger           zerolog.Logger
}

func NewExportService(
	conversationRepo repository.ConversationRepository,
	credits CreditsService,
	s3Client *s3.Client,
	bucketName string,
	logger zerolog.Logger,
) ExportService {
	return &exportService{
		conversationRepo: conversationRepo,
		credits:          credits,
		store:            s3Client,
		presignClient:    s3.NewPresignClient(s3Client),
		bucketName:       bucketName,
		logger:           logger.With().Str("service", "ExportService").Logger(),
	}
}

func (s *exportService) ExportMessageResults(ctx context.Context, userID, conversationID, messageID, format string) (*ExportResult, *ChatError) {
	if format != ExportFormatCSV && format != ExportFormatJSON {
		return nil, chatErrorf(CodeBadRequest, http.StatusBadRequest, "unsupported export format %q", format)
	}

	// Unlike chat there is no response the user already received, so a
	// denied debit simply denies the export.
	check := s.credits.CheckCreditsAvailable(ctx, userID, ExportCost)
	if !check.Available {
		return nil, creditsChatError(check.Err)
	}

	msg, err := s.conversationRepo.GetMessage(ctx, messageID, conversationID, userID)
	if err != nil {
		return nil, chatErrorf(CodeBadRequest, http.StatusBadRequest, "message not found")
	}
	if len(msg.SQLResults) == 0 {
		return nil, chatErrorf(CodeBadRequest, http.StatusBadRequest, "message has no query results to export")
	}

	var body []byte
	var contentType string
	switch format {
	case ExportFormatCSV:
		body, err = encodeResultsCSV(msg.SQLResults)
		contentType = "text/csv"
	case ExportFormatJSON:
		body, err = json.MarshalIndent(msg.SQLResults, "", "  ")
		contentType = "application/json"
	}
	if err != nil {
		s.logger.Error().Err(err).Str("message_id", messageID).Msg("Failed to encode export")
		return nil, chatErrorf(CodeUnknown, http.StatusInternalServerError, "failed to encode export")
	}

	storagePath := fmt.Sprintf("exports/%s/%s.%s", userID, messageID, format)
	_, err = s.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(storagePath),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("storage_path", storagePath).Msg("Failed to upload export to S3")
		return nil, chatErrorf(CodeUnknown, http.StatusInternalServerError, "failed to store export")
	}

	result := s.credits.ConsumeCredits(ctx, userID, ExportCost, model.OperationExport, model.TransactionMetadata{
		"format":    format,
		"row_count": len(msg.SQLResults),
	}, &conversationID, &messageID)
	if !result.Success {
		// The balance changed between check and debit. Remove the uploaded
		// object so storage matches the ledger.
		if _, delErr := s.store.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucketName),
			Key:    aws.String(storagePath),
		}); delErr != nil {
			s.logger.Warn().Err(delErr).Str("storage_path", storagePath).Msg("Failed to delete export after denied debit")
		}
		return nil, creditsChatError(result.Err)
	}

	resp, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(storagePath),
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		s.logger.Error().Err(err).Str("storage_path", storagePath).Msg("Failed to generate presigned URL")
		return nil, chatErrorf(CodeUnknown, http.StatusInternalServerError, "failed to generate download link")
	}

	return &ExportResult{
		StoragePath:      storagePath,
		DownloadURL:      resp.URL,
		Format:           format,
		RowCount:         len(msg.SQLResults),
		CreditsUsed:      ExportCost,
		RemainingCredits: result.RemainingCredits,
	}, nil
}

// encodeResultsCSV flattens result rows to CSV with a stable header order.
func encodeResultsCSV(rows model.SQLResults) ([]byte, error) {
	columnSet := make(map[string]struct{})
	for _, row := range rows {
		for col := range row {
			columnSet[col] = struct{}{}
		}
	}
	columns := make([]string, 0, len(columnSet))
	for col := range columnSet {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			v, ok := row[col]
			if !ok || v == nil {
				record[i] = ""
				continue
			}
			switch t := v.(type) {
			case string:
				record[i] = t
			case float64:
				record[i] = formatNumber(t)
			case bool:
				if t {
					record[i] = "true"
				} else {
					record[i] = "false"
				}
			default:
				b, err := json.Marshal(t)
				if err != nil {
					return nil, fmt.Errorf("encoding csv cell: %w", err)
				}
				record[i] = string(b)
			}
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("writing csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing csv: %w", err)
	}
	return buf.Bytes(), nil
}

func formatNumber(f float64) string {
	// JSON numbers arrive as float64; print integers without a decimal part.
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

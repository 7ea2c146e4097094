package dto

type ExportRequestDTO struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	MessageID      string `json:"message_id" validate:"required"`
	Format         string `json:"format" validate:"required,oneof=csv json"`
}

type ExportResponseDTO struct {
	StoragePath      string `json:"storage_path"`
	DownloadURL      string `json:"download_url"`
	Format           string `json:"format"`
	RowCount         int    `json:"row_count"`
	CreditsUsed      int    `json:"credits_used"`
	RemainingCredits int    `json:"remaining_credits"`
}

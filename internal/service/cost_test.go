package service

import (
	"strings"
	"testing"
	"time"
)

func TestDetectSQL(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"plain chat", "Bonjour, comment vont mes stocks ?", false},
		{"fenced sql block", "Voici la requête:\n```sql\nSELECT * FROM ventes\n```", true},
		{"bare keyword", "SELECT count(*) FROM produits", true},
		{"lowercase keyword ignored", "je veux select des produits", false},
		{"update keyword", "UPDATE stocks SET qty = 0", true},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectSQL(tt.content); got != tt.want {
				t.Errorf("DetectSQL(%q) = %v, want %v", tt.content, got, tt.want)
			}
		})
	}
}

func TestExtractSQLQuery(t *testing.T) {
	content := "Voici les ventes:\n```sql\nSELECT * FROM ventes WHERE date > '2025-01-01'\n```\nRésultats ci-dessous."
	q := ExtractSQLQuery(content)
	if q == nil {
		t.Fatal("expected a query, got nil")
	}
	if *q != "SELECT * FROM ventes WHERE date > '2025-01-01'" {
		t.Errorf("unexpected query: %q", *q)
	}

	if q := ExtractSQLQuery("no sql here"); q != nil {
		t.Errorf("expected nil, got %q", *q)
	}
	if q := ExtractSQLQuery("```sql\n   \n```"); q != nil {
		t.Errorf("expected nil for empty block, got %q", *q)
	}
}

func TestCalculateChatCredits(t *testing.T) {
	tests := []struct {
		name      string
		message   string
		hasSQL    bool
		streaming bool
		want      int
	}{
		{"simple short message", "Bonjour", false, false, 1},
		{"short message with sql", "SELECT * FROM ventes", true, false, 3},
		{"long message no sql", strings.Repeat("a", 501), false, false, 4},
		{"long message with sql", strings.Repeat("a", 600), true, false, 6},
		{"boundary at threshold", strings.Repeat("a", 500), false, false, 1},
		{"streaming adds nothing up front", "Bonjour", false, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateChatCredits(tt.message, tt.hasSQL, tt.streaming); got != tt.want {
				t.Errorf("CalculateChatCredits = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCalculateStreamingCredits(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		response string
		hasSQL   bool
		elapsed  time.Duration
		want     int
	}{
		{"short fast response", "Bonjour", "Salut", false, time.Second, 1},
		{"long response", "Bonjour", strings.Repeat("x", 2500), false, time.Second, 4},
		{"sql surcharge", "Bonjour", "SELECT...", true, time.Second, 3},
		{"slow generation", "Bonjour", "ok", false, 11 * time.Second, 4},
		{"long input", strings.Repeat("a", 501), "ok", false, time.Second, 2},
		{"everything at once", strings.Repeat("a", 501), strings.Repeat("x", 1500), true, 12 * time.Second, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateStreamingCredits(tt.message, tt.response, tt.hasSQL, tt.elapsed); got != tt.want {
				t.Errorf("CalculateStreamingCredits = %d, want %d", got, tt.want)
			}
		})
	}
}

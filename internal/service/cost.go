package service

import (
	"regexp"
	"strings"
	"time"
)

// Credit cost constants. The surcharge values and thresholds are product
// constants carried over from the billing model; do not simplify them.
const (
	SimpleChatCost    = 1
	StreamingChatCost = 1

	SQLSurcharge        = 2
	ComplexitySurcharge = 3

	LongMessageThreshold  = 500   // chars
	LongResponseThreshold = 1000  // chars
	SlowProcessingCutoff  = 10 * time.Second

	ExportCost = 1

	// Demo account policy
	DefaultDemoCredits    = 10
	DemoDailyMessageLimit = 20
	DemoMessageMaxLength  = 1000 // chars
)

var sqlKeywords = []string{"SELECT", "INSERT", "UPDATE", "DELETE"}

// DetectSQL reports whether the content contains a fenced sql block or a
// bare SQL keyword. Keyword matching is case-sensitive, matching the
// billing behavior the ledger was calibrated against.
func DetectSQL(content string) bool {
	if strings.Contains(content, "```sql") {
		return true
	}
	for _, kw := range sqlKeywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}

var fencedSQLPattern = regexp.MustCompile("(?s)```sql\\s*(.*?)```")

// ExtractSQLQuery returns the first fenced sql block in the content, or nil
// when there is none.
func ExtractSQLQuery(content string) *string {
	m := fencedSQLPattern.FindStringSubmatch(content)
	if m == nil {
		return nil
	}
	q := strings.TrimSpace(m[1])
	if q == "" {
		return nil
	}
	return &q
}

// CalculateChatCredits prices a buffered chat request from the inbound
// message alone. Streaming deliberately adds nothing here; streamed
// responses are re-priced post-hoc by CalculateStreamingCredits.
func CalculateChatCredits(messageContent string, hasSQL, isStreaming bool) int {
	cost := SimpleChatCost
	if hasSQL {
		cost += SQLSurcharge
	}
	if len(messageContent) > LongMessageThreshold {
		cost += ComplexitySurcharge
	}
	_ = isStreaming
	if cost < SimpleChatCost {
		cost = SimpleChatCost
	}
	return cost
}

// CalculateStreamingCredits prices a streamed exchange once the full
// response is known: one credit per started kilobyte of response beyond the
// first, the SQL surcharge, a complexity surcharge for slow generations,
// and one extra credit for long inputs.
func CalculateStreamingCredits(messageContent, responseContent string, hasSQL bool, processingTime time.Duration) int {
	cost := StreamingChatCost
	if n := len(responseContent); n > LongResponseThreshold {
		cost += (n + LongResponseThreshold - 1) / LongResponseThreshold
	}
	if hasSQL {
		cost += SQLSurcharge
	}
	if processingTime > SlowProcessingCutoff {
		cost += ComplexitySurcharge
	}
	if len(messageContent) > LongMessageThreshold {
		cost++
	}
	if cost < StreamingChatCost {
		cost = StreamingChatCost
	}
	return cost
}

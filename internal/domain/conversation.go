package domain

// ConversationMemory is the continuation token held for one browser session
// and product. Two sessions never share a record even for the same product.
type ConversationMemory struct {
	SessionID         string
	ProductID         string
	ContinuationToken string
	UpdatedAt         string
	TTL               int64
}

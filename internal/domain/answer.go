package domain

import "encoding/json"

// Answer is the normalized result of an inference call. An empty
// ContinuationToken means the server did not issue one.
type Answer struct {
	Text              string          `json:"text"`
	ContinuationToken string          `json:"continuationToken,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// RAGResult is the answer produced by the endpoint cascade together with the
// endpoint that produced it.
type RAGResult struct {
	Answer       string `json:"answer"`
	UsedEndpoint string `json:"usedEndpoint"`
}

package api

import (
	"time"

	"github.com/entitler-io/entitler/internal/enrichment"
	"github.com/entitler-io/entitler/internal/entitlement"
	"github.com/entitler-io/entitler/internal/refresh"
)

//nolint:tagliatelle // wire format uses snake_case
type (
	// MembershipRequest is a single membership row in an ingest batch.
	MembershipRequest struct {
		UserID    string    `json:"user_id"`
		UserName  string    `json:"user_name,omitempty"`
		Region    string    `json:"region"`
		Status    string    `json:"status"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// MembershipBatchRequest is the body of POST /api/v1/memberships.
	MembershipBatchRequest struct {
		Memberships []MembershipRequest `json:"memberships"`
	}

	// TransactionRequest is a single transaction row in an ingest batch.
	TransactionRequest struct {
		ID          string    `json:"transaction_id"`
		UserID      string    `json:"user_id"`
		Timestamp   time.Time `json:"transaction_timestamp"`
		Amount      float64   `json:"amount"`
		Currency    string    `json:"currency,omitempty"`
		Description string    `json:"description,omitempty"`
		Region      string    `json:"region"`
		Merchant    string    `json:"merchant_name,omitempty"`
		Category    string    `json:"merchant_category,omitempty"`
		Status      string    `json:"status,omitempty"`
	}

	// TransactionBatchRequest is the body of POST /api/v1/transactions.
	TransactionBatchRequest struct {
		Transactions []TransactionRequest `json:"transactions"`
	}

	// RowError reports a single rejected row in a batch response.
	RowError struct {
		Index int    `json:"index"`
		ID    string `json:"id,omitempty"`
		Error string `json:"error"`
	}

	// BatchResponse summarizes a batch ingest: how many rows were stored and
	// which were rejected. Returned with 200 when everything stored, 207 when
	// the batch was partially rejected.
	BatchResponse struct {
		Stored int        `json:"stored"`
		Failed int        `json:"failed"`
		Errors []RowError `json:"errors,omitempty"`
	}

	// RefreshAcceptedResponse is returned for a completed forced refresh.
	RefreshAcceptedResponse struct {
		Region string          `json:"region"`
		Status *refresh.Status `json:"status,omitempty"`
	}

	// SearchResultRow is one enriched transaction in a search response.
	SearchResultRow struct {
		TransactionID       string    `json:"transaction_id"`
		UserID              string    `json:"user_id"`
		Timestamp           time.Time `json:"transaction_timestamp"`
		Amount              float64   `json:"amount"`
		Currency            string    `json:"currency"`
		Description         string    `json:"description,omitempty"`
		Region              string    `json:"region"`
		Merchant            string    `json:"merchant_name,omitempty"`
		Category            string    `json:"merchant_category,omitempty"`
		Status              string    `json:"status,omitempty"`
		AuthorizedUserCount int       `json:"authorized_user_count"`
		Resolution          string    `json:"resolution"`
		EnrichedAt          time.Time `json:"enriched_at"`
	}

	// SearchResponse is the body of GET /api/v1/transactions/search. Stale
	// reports whether any region covered by the results has overrun its
	// staleness budget, so callers know the entitlement filter may lag.
	SearchResponse struct {
		Results []SearchResultRow `json:"results"`
		Count   int               `json:"count"`
		Stale   bool              `json:"stale"`
	}
)

// toMembership converts a request row to the domain type.
func (m MembershipRequest) toMembership() entitlement.Membership {
	return entitlement.Membership{
		UserID:    m.UserID,
		UserName:  m.UserName,
		Region:    m.Region,
		Status:    entitlement.Status(m.Status),
		UpdatedAt: m.UpdatedAt,
	}
}

// toTransaction converts a request row to the domain type.
func (t TransactionRequest) toTransaction() enrichment.Transaction {
	return enrichment.Transaction{
		ID:          t.ID,
		UserID:      t.UserID,
		Timestamp:   t.Timestamp,
		Amount:      t.Amount,
		Currency:    t.Currency,
		Description: t.Description,
		Region:      t.Region,
		Merchant:    t.Merchant,
		Category:    t.Category,
		Status:      t.Status,
	}
}

// toSearchResultRow converts an enriched row to its response shape. The
// authorized-user array itself is not exposed; callers only learn whether
// they themselves are entitled.
func toSearchResultRow(e enrichment.EnrichedTransaction) SearchResultRow {
	return SearchResultRow{
		TransactionID:       e.ID,
		UserID:              e.UserID,
		Timestamp:           e.Timestamp,
		Amount:              e.Amount,
		Currency:            e.Currency,
		Description:         e.Description,
		Region:              e.Region,
		Merchant:            e.Merchant,
		Category:            e.Category,
		Status:              e.Status,
		AuthorizedUserCount: e.AuthorizedUserCount,
		Resolution:          string(e.Resolution),
		EnrichedAt:          e.EnrichedAt,
	}
}

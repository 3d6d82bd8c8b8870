// Package main provides the Entitler sample data seeder.
//
// The seeder generates plausible credit card transactions and region
// memberships and loads them through the service's batch ingest endpoints,
// exercising the same path production writers use.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBaseURL      = "http://localhost:8080"
	defaultUsers        = 200
	defaultTransactions = 5000
	defaultBatchSize    = 500
	requestTimeout      = 30 * time.Second

	inactiveUserPercent = 10
)

var regions = []string{"US_EAST", "US_WEST", "EUROPE", "ASIA_PAC"} //nolint:gochecknoglobals

//nolint:gochecknoglobals
var merchantCategories = []struct {
	category    string
	minAmount   float64
	maxAmount   float64
	description string
}{
	{"GROCERY", 5, 500, "Grocery Stores, Supermarkets"},
	{"RESTAURANT", 5, 500, "Eating Places, Restaurants"},
	{"GAS", 5, 500, "Service Stations"},
	{"RETAIL", 20, 2000, "Department Stores"},
	{"TRANSPORT", 10, 1000, "Transportation, Suburban and Local"},
	{"LIQUOR", 15, 800, "Package Stores, Beer, Wine, Liquor"},
	{"ENTERTAINMENT", 15, 800, "Betting, Gambling"},
	{"FINANCIAL", 100, 5000, "Non-FI, Money Orders"},
	{"APPAREL", 20, 2000, "Men's and Women's Clothing"},
}

//nolint:gochecknoglobals
var transactionStatuses = []struct {
	status string
	weight int
}{
	{"APPROVED", 85},
	{"DECLINED", 10},
	{"PENDING", 3},
	{"CANCELLED", 2},
}

//nolint:gochecknoglobals
var firstNames = []string{
	"Alex", "Dana", "Jamie", "Jordan", "Morgan", "Riley",
	"Sam", "Taylor", "Casey", "Drew", "Quinn", "Avery",
}

//nolint:gochecknoglobals
var lastNames = []string{
	"Smith", "Johnson", "Lee", "Garcia", "Chen", "Patel",
	"Brown", "Davis", "Martinez", "Kim", "Nguyen", "Walker",
}

type (
	membershipRow struct {
		UserID    string    `json:"user_id"`
		UserName  string    `json:"user_name"`
		Region    string    `json:"region"`
		Status    string    `json:"status"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	transactionRow struct {
		ID          string    `json:"transaction_id"`
		UserID      string    `json:"user_id"`
		Timestamp   time.Time `json:"transaction_timestamp"`
		Amount      float64   `json:"amount"`
		Currency    string    `json:"currency"`
		Description string    `json:"description"`
		Region      string    `json:"region"`
		Merchant    string    `json:"merchant_name"`
		Category    string    `json:"merchant_category"`
		Status      string    `json:"status"`
	}

	batchResponse struct {
		Stored int `json:"stored"`
		Failed int `json:"failed"`
	}

	generator struct {
		rng   *rand.Rand
		users []membershipRow
	}
)

func main() {
	baseURL := flag.String("url", defaultBaseURL, "base URL of the entitler API")
	apiKey := flag.String("api-key", "", "API key for authenticated deployments")
	userCount := flag.Int("users", defaultUsers, "number of users to generate")
	txnCount := flag.Int("transactions", defaultTransactions, "number of transactions to generate")
	batchSize := flag.Int("batch-size", defaultBatchSize, "rows per ingest batch")
	seed := flag.Int64("seed", 42, "random seed for reproducible data")
	flag.Parse()

	gen := &generator{rng: rand.New(rand.NewSource(*seed))} //nolint:gosec // sample data, not crypto

	client := &http.Client{Timeout: requestTimeout}

	log.Printf("Generating %d users across %d regions...", *userCount, len(regions))
	gen.generateUsers(*userCount)

	if err := postMembershipBatches(client, *baseURL, *apiKey, gen.users, *batchSize); err != nil {
		log.Printf("seeding memberships failed: %v", err)
		os.Exit(1)
	}

	log.Printf("Generating %d transactions...", *txnCount)
	txns := gen.generateTransactions(*txnCount)

	if err := postTransactionBatches(client, *baseURL, *apiKey, txns, *batchSize); err != nil {
		log.Printf("seeding transactions failed: %v", err)
		os.Exit(1)
	}

	log.Printf("Seeding complete: %d users, %d transactions", len(gen.users), len(txns))
}

func (g *generator) generateUsers(count int) {
	seen := make(map[string]bool, count)
	now := time.Now().UTC()

	for len(g.users) < count {
		userID := fmt.Sprintf("CUST_%06d", 100000+g.rng.Intn(900000)) //nolint:mnd
		if seen[userID] {
			continue
		}

		seen[userID] = true

		status := "ACTIVE"
		if g.rng.Intn(100) < inactiveUserPercent { //nolint:mnd
			status = "INACTIVE"
		}

		g.users = append(g.users, membershipRow{
			UserID:    userID,
			UserName:  firstNames[g.rng.Intn(len(firstNames))] + " " + lastNames[g.rng.Intn(len(lastNames))],
			Region:    regions[g.rng.Intn(len(regions))],
			Status:    status,
			UpdatedAt: now.Add(-time.Duration(g.rng.Intn(86400)) * time.Second), //nolint:mnd
		})
	}
}

func (g *generator) generateTransactions(count int) []transactionRow {
	now := time.Now().UTC()
	yearAgo := now.AddDate(-1, 0, 0)
	window := now.Sub(yearAgo)

	txns := make([]transactionRow, 0, count)

	for i := 0; i < count; i++ {
		user := g.users[g.rng.Intn(len(g.users))]
		cat := merchantCategories[g.rng.Intn(len(merchantCategories))]
		amount := cat.minAmount + g.rng.Float64()*(cat.maxAmount-cat.minAmount)

		txns = append(txns, transactionRow{
			ID:          "TXN_" + strings.ToUpper(uuid.NewString()[:12]),
			UserID:      user.UserID,
			Timestamp:   yearAgo.Add(time.Duration(g.rng.Int63n(int64(window)))),
			Amount:      float64(int(amount*100)) / 100, //nolint:mnd // round to cents
			Currency:    "USD",
			Description: cat.description,
			// Transactions land in the cardholder's region so the seeded
			// dataset produces non-trivial entitlement overlap.
			Region:   user.Region,
			Merchant: fmt.Sprintf("%s Store #%d", titleCase(cat.category), 1+g.rng.Intn(999)), //nolint:mnd
			Category: cat.category,
			Status:   g.pickStatus(),
		})
	}

	return txns
}

func (g *generator) pickStatus() string {
	total := 0
	for _, s := range transactionStatuses {
		total += s.weight
	}

	n := g.rng.Intn(total)
	for _, s := range transactionStatuses {
		if n < s.weight {
			return s.status
		}

		n -= s.weight
	}

	return transactionStatuses[0].status
}

func titleCase(s string) string {
	if s == "" {
		return s
	}

	return string(s[0]) + strings.ToLower(s[1:])
}

func postMembershipBatches(
	client *http.Client,
	baseURL, apiKey string,
	rows []membershipRow,
	batchSize int,
) error {
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))

		body := map[string]any{"memberships": rows[start:end]}
		if err := postBatch(client, baseURL+"/api/v1/memberships", apiKey, body); err != nil {
			return err
		}

		log.Printf("Posted memberships %d-%d", start, end)
	}

	return nil
}

func postTransactionBatches(
	client *http.Client,
	baseURL, apiKey string,
	rows []transactionRow,
	batchSize int,
) error {
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))

		body := map[string]any{"transactions": rows[start:end]}
		if err := postBatch(client, baseURL+"/api/v1/transactions", apiKey, body); err != nil {
			return err
		}

		log.Printf("Posted transactions %d-%d", start, end)
	}

	return nil
}

func postBatch(client *http.Client, url, apiKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload)) //nolint:noctx
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting batch: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return fmt.Errorf("batch rejected with status %d: %s", resp.StatusCode, raw)
	}

	var result batchResponse
	if err := json.Unmarshal(raw, &result); err == nil && result.Failed > 0 {
		log.Printf("Batch partially rejected: stored=%d failed=%d", result.Stored, result.Failed)
	}

	return nil
}

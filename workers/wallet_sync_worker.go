package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"affiliate-engine/models"
	"affiliate-engine/utils"

	"gorm.io/gorm"
)

// WalletSyncClient mirrors beneficiary wallet addresses from the wallet
// service into the members table. Settlement groups transfers by these
// addresses, so a member without a mirrored wallet cannot be paid out.
type WalletSyncClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	DB         *gorm.DB
}

func NewWalletSyncClient(db *gorm.DB) *WalletSyncClient {
	baseURL := os.Getenv("WALLET_SERVICE_URL")
	if baseURL == "" {
		log.Fatal("WALLET_SERVICE_URL environment variable is required")
	}
	token := os.Getenv("ENGINE_SERVICE_TOKEN")
	if token == "" {
		log.Fatal("ENGINE_SERVICE_TOKEN environment variable is required for wallet sync")
	}

	return &WalletSyncClient{
		BaseURL:    baseURL,
		Token:      token,
		DB:         db,
		HTTPClient: utils.HTTPClient,
	}
}

type walletChange struct {
	UserID        string `json:"user_id"`
	WalletAddress string `json:"wallet_address"`
	IsActive      bool   `json:"is_active"`
}

func (c *WalletSyncClient) GetChangedWallets(ctx context.Context, since time.Time) ([]walletChange, error) {
	since = since.UTC()

	u, err := url.Parse(fmt.Sprintf("%s/api/v1/public/wallets", c.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	q := u.Query()
	q.Set("since", since.Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call wallet service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("wallet service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Wallets []walletChange `json:"wallets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode wallet service response: %w", err)
	}

	return response.Wallets, nil
}

// PollWallets applies wallet changes to member rows on a fixed interval.
// The sync cursor only advances after a fully applied batch, so a failed
// tick retries the same window.
func PollWallets(ctx context.Context, client *WalletSyncClient, pollInterval time.Duration) {
	log.Println("[WALLET_SYNC] Starting wallet polling...")
	lastSyncTime := time.Now().UTC().Add(-24 * time.Hour)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[WALLET_SYNC] Wallet polling stopped.")
			return
		case <-ticker.C:
			tickTime := time.Now().UTC()

			wallets, err := client.GetChangedWallets(ctx, lastSyncTime)
			if err != nil {
				log.Printf("[WALLET_SYNC] Error polling wallets: %v", err)
				continue
			}
			if len(wallets) == 0 {
				continue
			}

			applied := 0
			failed := false
			for _, w := range wallets {
				address := w.WalletAddress
				if !w.IsActive {
					address = ""
				}
				res := client.DB.Model(&models.Member{}).Where("id = ?", w.UserID).Updates(map[string]any{
					"wallet_address":   address,
					"wallet_synced_at": tickTime,
				})
				if res.Error != nil {
					log.Printf("[WALLET_SYNC] Failed to apply wallet for member %s: %v", w.UserID, res.Error)
					failed = true
					continue
				}
				// Members the engine never placed are skipped silently; the
				// wallet service covers the whole platform.
				if res.RowsAffected > 0 {
					applied++
				}
			}
			if failed {
				continue
			}

			lastSyncTime = tickTime
			if applied > 0 {
				log.Printf("[WALLET_SYNC] Applied %d wallet change(s) to members.", applied)
			}
		}
	}
}

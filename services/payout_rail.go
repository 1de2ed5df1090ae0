// affiliate-engine/services/payout_rail.go
package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"affiliate-engine/utils"

	"github.com/shopspring/decimal"
)

// Payout rail failure classes. All three are retryable on the next
// settlement run; the distinction is only for operator visibility.
var (
	ErrInsufficientFunds = errors.New("payout rail: insufficient funds")
	ErrRejectedByChain   = errors.New("payout rail: rejected by chain")
	ErrRailNetwork       = errors.New("payout rail: network error")
)

// PayoutRail is the engine's view of the on-chain payout collaborator:
// one stablecoin transfer per call, returning the transaction hash.
type PayoutRail interface {
	Payout(wallet string, amount decimal.Decimal, reference string) (txHash string, err error)
}

// PayoutRailClient calls the payout rail service over HTTP. The rail owns
// the contract interaction; from here it is an opaque party.
type PayoutRailClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewPayoutRailClient(baseURL, token string) *PayoutRailClient {
	return &PayoutRailClient{
		BaseURL: baseURL,
		Token:   token,
		Client:  utils.HTTPClient,
	}
}

type payoutRequest struct {
	WalletAddress string `json:"wallet_address"`
	Amount        string `json:"amount"`
	Reference     string `json:"reference"`
}

type payoutResponse struct {
	TxHash string `json:"tx_hash"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Payout submits one transfer. Timeouts and transport failures map to
// ErrRailNetwork; rail-reported codes map to the typed failures above.
func (c *PayoutRailClient) Payout(wallet string, amount decimal.Decimal, reference string) (string, error) {
	body, err := json.Marshal(payoutRequest{
		WalletAddress: wallet,
		Amount:        amount.String(),
		Reference:     reference,
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/payouts", c.BaseURL)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRailNetwork, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var parsed payoutResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode == http.StatusOK && parsed.TxHash != "" {
		return parsed.TxHash, nil
	}

	switch parsed.Code {
	case "insufficient_funds":
		return "", fmt.Errorf("%w: %s", ErrInsufficientFunds, parsed.Error)
	case "rejected_by_chain":
		return "", fmt.Errorf("%w: %s", ErrRejectedByChain, parsed.Error)
	}
	return "", fmt.Errorf("%w: rail returned status %d: %s", ErrRailNetwork, resp.StatusCode, string(raw))
}

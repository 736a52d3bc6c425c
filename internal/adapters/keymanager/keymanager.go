package keymanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dappnode/validator-launcher/internal/application/domain"
	"github.com/dappnode/validator-launcher/internal/application/ports"
)

// Keymanager talks to the validator client's Keymanager API. The API
// token is read from a file the validator client writes at startup, so
// it is re-read per call rather than cached. No retries: a timeout is
// treated as a permanent error for the current launch.
type Keymanager struct {
	BaseURL    string
	TokenFile  string
	HTTPClient *http.Client
}

func NewKeymanager(baseURL, tokenFile string) ports.KeymanagerPort {
	return &Keymanager{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		TokenFile:  tokenFile,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type feeRecipientRequest struct {
	EthAddress string `json:"ethaddress"`
}

// SetFeeRecipient sets the per-validator fee recipient. The Keymanager
// API answers 202 on success.
func (k *Keymanager) SetFeeRecipient(ctx context.Context, publicKey domain.PublicKey, address string) error {
	token, err := k.readToken()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/eth/v1/validator/%s/feerecipient", k.BaseURL, publicKey)
	body, err := json.Marshal(feeRecipientRequest{EthAddress: address})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("keymanager request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusUnauthorized:
		return fmt.Errorf("keymanager unauthorized: check token file %s", k.TokenFile)
	case http.StatusNotFound:
		return fmt.Errorf("validator %s not loaded by the validator client", publicKey)
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected keymanager status %d: %s", resp.StatusCode, string(respBody))
	}
}

func (k *Keymanager) readToken() (string, error) {
	data, err := os.ReadFile(k.TokenFile)
	if err != nil {
		return "", fmt.Errorf("reading keymanager token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("keymanager token file %s is empty", k.TokenFile)
	}
	return token, nil
}

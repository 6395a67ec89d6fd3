// Package qr generates the QR labels printed on drug batches and
// movement manifests. The payload is a small JSON document so scanners
// can resolve the record offline before hitting the API.
package qr

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// DrugPayload is the JSON document encoded into a drug label.
type DrugPayload struct {
	DrugID     string `json:"drugId"`
	Name       string `json:"name"`
	BatchNo    string `json:"batchNo"`
	ExpiryDate string `json:"expiryDate"`
	Location   string `json:"location"`
}

// MovementPayload is the JSON document encoded into a movement manifest.
type MovementPayload struct {
	MovementID string `json:"movementId"`
	Code       string `json:"code"`
	DrugID     string `json:"drugId"`
	From       string `json:"from"`
	To         string `json:"to"`
}

const pngSize = 256

// EncodeDrug renders a drug label as a PNG data URL.
func EncodeDrug(p DrugPayload) (string, error) {
	return encode(p)
}

// EncodeMovement renders a movement manifest as a PNG data URL.
func EncodeMovement(p MovementPayload) (string, error) {
	return encode(p)
}

func encode(payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal QR payload: %w", err)
	}

	png, err := qrcode.Encode(string(body), qrcode.Medium, pngSize)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code: %w", err)
	}

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// FormatExpiry formats an expiry date the way labels expect it.
func FormatExpiry(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

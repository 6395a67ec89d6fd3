package qr

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDrug(t *testing.T) {
	payload := DrugPayload{
		DrugID:     "a6e0f1d2-1111-2222-3333-444455556666",
		Name:       "Amoxicillin 500mg",
		BatchNo:    "BATCH-2026-001",
		ExpiryDate: "2027-03-15",
		Location:   "central-warehouse",
	}

	dataURL, err := EncodeDrug(payload)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(dataURL, "data:image/png;base64,"))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, "data:image/png;base64,"))
	require.NoError(t, err)

	// PNG magic bytes
	require.GreaterOrEqual(t, len(raw), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, raw[:4])
}

func TestEncodeDrugDeterministic(t *testing.T) {
	payload := DrugPayload{
		DrugID:  "a6e0f1d2-1111-2222-3333-444455556666",
		Name:    "Ibuprofen 200mg",
		BatchNo: "BATCH-2026-002",
	}

	first, err := EncodeDrug(payload)
	require.NoError(t, err)
	second, err := EncodeDrug(payload)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestEncodeMovement(t *testing.T) {
	dataURL, err := EncodeMovement(MovementPayload{
		MovementID: "m1",
		Code:       "MOV-2026-0001",
		DrugID:     "d1",
		From:       "central-warehouse",
		To:         "city-hospital",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dataURL, "data:image/png;base64,"))
}

func TestFormatExpiry(t *testing.T) {
	ts := time.Date(2027, 3, 15, 23, 30, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "2027-03-15", FormatExpiry(ts))
}

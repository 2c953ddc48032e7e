package async

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/avagate/internal/model"
)

// Webhook request headers.
const (
	HeaderSignature   = "X-Webhook-Signature"
	HeaderTimestamp   = "X-Webhook-Timestamp"
	HeaderOperationID = "X-Operation-ID"
)

const signaturePrefix = "sha256="

// Payload is the body posted to a webhook.
type Payload struct {
	OperationID string                `json:"operation_id"`
	Status      model.OperationStatus `json:"status"`
	Result      json.RawMessage       `json:"result"`
	Error       *model.OperationError `json:"error"`
	CompletedAt *time.Time            `json:"completed_at"`
}

// NewPayload builds the webhook body for op.
func NewPayload(op *model.AsyncOperation) Payload {
	return Payload{
		OperationID: op.ID,
		Status:      op.Status,
		Result:      op.Result,
		Error:       op.Error,
		CompletedAt: op.CompletedAt,
	}
}

// CanonicalJSON encodes v with sorted object keys and no insignificant
// whitespace.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Round-tripping through a generic value sorts map keys.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Sign returns the signature header value for body sent at timestamp.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body and timestamp, and the
// timestamp lies within tolerance of now. A zero tolerance skips the age check.
func Verify(secret string, timestamp int64, body []byte, signature string, now time.Time, tolerance time.Duration) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(timestamp, 0))
		if age < -tolerance || age > tolerance {
			return false
		}
	}
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

/*
Copyright 2024 Herald Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Headers carrying the signature on outbound provider requests and expected
// on inbound delivery-report callbacks.
const (
	HeaderSignature = "X-Herald-Signature"
	HeaderTimestamp = "X-Herald-Timestamp"
)

// DefaultTolerance bounds how old a signed timestamp may be before the
// payload is treated as a replay.
const DefaultTolerance = 5 * time.Minute

// ComputeSignature returns the hex HMAC-SHA256 of "timestamp.payload". The
// timestamp is bound into the digest so a captured payload cannot be replayed
// later with a fresh header.
func ComputeSignature(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an inbound payload against its signature and
// timestamp headers. Comparison is constant-time and the timestamp must fall
// within the tolerance window on either side of now.
func VerifySignature(secret string, payload []byte, timestampHeader, signature string, tolerance time.Duration) error {
	if secret == "" {
		return errors.New("signature: no webhook secret configured")
	}
	if signature == "" || timestampHeader == "" {
		return errors.New("signature: missing signature headers")
	}
	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return errors.Wrap(err, "signature: malformed timestamp")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	skew := time.Since(time.Unix(timestamp, 0))
	if skew > tolerance || skew < -tolerance {
		return errors.New("signature: timestamp outside tolerance")
	}
	expected := ComputeSignature(secret, timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("signature: mismatch")
	}
	return nil
}

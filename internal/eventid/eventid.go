// eventid.go — Deterministic event_id digest.
//
// event_id is computed once per record, from the record's own declared
// fields only: never randomness, never wall-clock jitter beyond a field that
// is itself part of the record. Two processes observing the same sequence of
// CDP events produce byte-identical event_ids, which lets downstream tooling
// deduplicate records across writer restarts.
package eventid

import (
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2s"
)

// fieldSeparator joins declared fields before hashing. U+001F (Unit
// Separator) is chosen because it cannot appear in any field value we hash
// (timestamps, ids, hostnames, URLs).
const fieldSeparator = "\x1f"

// digestSize is the truncated output length in bytes (80 bits), matching the
// external interface's 10-byte event_id.
const digestSize = 10

// Compute returns the hex-encoded event_id for a record, given its declared
// fields in the fixed order specified for that record type. The hash is
// BLAKE2s parameterized to a 10-byte output, not a 32-byte digest truncated
// after the fact — the two are different digests.
func Compute(fields ...string) string {
	joined := strings.Join(fields, fieldSeparator)
	xof, _ := blake2s.NewXOF(digestSize, nil) // digestSize <= 32, no key: never errors
	xof.Write([]byte(joined))
	out := make([]byte, digestSize)
	xof.Read(out)
	return hex.EncodeToString(out)
}

// Int formats an integer field for inclusion in Compute's field list.
func Int(v int) string { return strconv.Itoa(v) }

// Int64 formats an int64 field for inclusion in Compute's field list.
func Int64(v int64) string { return strconv.FormatInt(v, 10) }

// Memory computes the event_id for a "memory" record: type, hostname,
// timestamp, targetId, sessionId, url.
func Memory(hostname, timestamp, targetID, sessionID, url string) string {
	return Compute("memory", hostname, timestamp, targetID, sessionID, url)
}

// Console computes the event_id for a "console" record: type, hostname,
// timestamp, level, message, source.url, source.line.
func Console(hostname, timestamp, level, message, sourceURL string, sourceLine int) string {
	return Compute("console", hostname, timestamp, level, message, sourceURL, Int(sourceLine))
}

// Exception computes the event_id for an "exception" record: type,
// hostname, timestamp, message, source.url, source.line, source.column.
func Exception(hostname, timestamp, message, sourceURL string, sourceLine, sourceColumn int) string {
	return Compute("exception", hostname, timestamp, message, sourceURL, Int(sourceLine), Int(sourceColumn))
}

// NetworkRequestStart computes the event_id for a "network_request_start"
// record: type, hostname, timestamp, requestId, method, url.
func NetworkRequestStart(hostname, timestamp, requestID, method, url string) string {
	return Compute("network_request_start", hostname, timestamp, requestID, method, url)
}

// NetworkRequestComplete computes the event_id for a
// "network_request_complete" record: type, hostname, timestamp, requestId,
// status, url.
func NetworkRequestComplete(hostname, timestamp, requestID string, status int, url string) string {
	return Compute("network_request_complete", hostname, timestamp, requestID, Int(status), url)
}

// NetworkRequestFailed computes the event_id for a
// "network_request_failed" record: type, hostname, timestamp, requestId,
// url, errorText.
func NetworkRequestFailed(hostname, timestamp, requestID, url, errorText string) string {
	return Compute("network_request_failed", hostname, timestamp, requestID, url, errorText)
}

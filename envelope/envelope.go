// Package envelope extracts the interesting part of a Lambda event using
// gjson paths. It registers decoding modifiers with gjson so that payloads
// nested as JSON strings, base64 or gzip can be reached in a single path:
//
//	body|@powertools_json
//	Records.#.kinesis.data|@powertools_base64|@powertools_json
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Predefined envelopes for common event sources
const (
	APIGatewayREST = "body|@powertools_json"
	APIGatewayHTTP = "body|@powertools_json"
	SQS            = "Records.#.body|@powertools_json"
	SNS            = "Records.0.Sns.Message|@powertools_json"
	EventBridge    = "detail"
	CloudWatchLogs = "awslogs.data|@powertools_base64_gzip|@powertools_json|logEvents"
	Kinesis        = "Records.#.kinesis.data|@powertools_base64|@powertools_json"
)

var (
	// ErrInvalidJSON is returned when the data to search is not JSON
	ErrInvalidJSON = errors.New("envelope: data is not valid JSON")

	// ErrNoMatch is returned when the path selects nothing, or only null
	ErrNoMatch = errors.New("envelope: path did not match")

	// ErrDecode is returned when a decoding function fails on the value it is given
	ErrDecode = errors.New("envelope: decode failed")
)

// Extract evaluates path against data. An empty path selects the whole document.
// Pipe-separated segments are evaluated in turn so a registered function that
// fails reports ErrDecode instead of a missing value.
func Extract(data []byte, path string) (gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, ErrInvalidJSON
	}
	res := gjson.ParseBytes(data)
	if path == "" {
		return res, nil
	}

	for _, segment := range splitPipes(path) {
		if fn, ok := lookupFunction(segment); ok {
			raw, err := apply(res, fn)
			if err != nil {
				return gjson.Result{}, fmt.Errorf("%w: %q at %s: %w", ErrDecode, path, segment, err)
			}
			res = gjson.Parse(raw)
		} else {
			res = gjson.Get(res.Raw, segment)
		}
		if !res.Exists() || res.Type == gjson.Null {
			return gjson.Result{}, fmt.Errorf("%w: %q", ErrNoMatch, path)
		}
	}
	return res, nil
}

// ExtractBytes returns the raw JSON selected by path
func ExtractBytes(data []byte, path string) ([]byte, error) {
	res, err := Extract(data, path)
	if err != nil {
		return nil, err
	}
	return []byte(res.Raw), nil
}

// ExtractInto decodes the value selected by path into v
func ExtractInto(data []byte, path string, v any) error {
	raw, err := ExtractBytes(data, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("envelope: decode %q: %w", path, err)
	}
	return nil
}

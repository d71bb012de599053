package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/AnandSundar/lambda-idempotency/envelope"
)

// DeriveKey computes the idempotency key for payload under cfg:
// "<function name>#<sha256 of the canonical JSON selected by EventKeyPath>".
func DeriveKey(cfg *Config, payload []byte) (string, error) {
	res, err := envelope.Extract(payload, cfg.EventKeyPath)
	if err != nil {
		return "", &KeyError{Path: cfg.EventKeyPath, Err: err}
	}
	if isEmpty(res) {
		return "", &KeyError{Path: cfg.EventKeyPath, Err: fmt.Errorf("%w: selected value is empty", envelope.ErrNoMatch)}
	}
	canonical, err := canonicalJSON([]byte(res.Raw))
	if err != nil {
		return "", &KeyError{Path: cfg.EventKeyPath, Err: err}
	}
	return cfg.FunctionName + "#" + hashHex(canonical), nil
}

// payloadHash hashes the part of the payload checked on replay. A path that
// matches nothing hashes as null, so a later request that adds the field is
// still caught.
func payloadHash(cfg *Config, payload []byte) string {
	if cfg.PayloadValidationPath == "" {
		return ""
	}
	res, err := envelope.Extract(payload, cfg.PayloadValidationPath)
	if err != nil {
		return hashHex([]byte("null"))
	}
	canonical, err := canonicalJSON([]byte(res.Raw))
	if err != nil {
		return hashHex([]byte(res.Raw))
	}
	return hashHex(canonical)
}

func isEmpty(res gjson.Result) bool {
	switch {
	case res.Type == gjson.String:
		return strings.TrimSpace(res.String()) == ""
	case res.IsArray():
		for _, elem := range res.Array() {
			if elem.Type != gjson.Null {
				return false
			}
		}
		return true
	case res.IsObject():
		return len(res.Map()) == 0
	}
	return false
}

// canonicalJSON re-encodes raw with sorted object keys and no whitespace.
// Numbers are kept as written.
func canonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func hashHex(b []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(b))
}

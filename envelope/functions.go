package envelope

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Function decodes a string value. The returned bytes are used as raw JSON
// when valid, otherwise they become a JSON string and must be valid UTF-8.
type Function func(s string) ([]byte, error)

var functions = map[string]Function{}

var errNotUTF8 = errors.New("decoded data is not valid UTF-8")

func init() {
	RegisterFunction("powertools_json", decodeJSON)
	RegisterFunction("powertools_base64", decodeBase64)
	RegisterFunction("powertools_base64_gzip", decodeBase64Gzip)
}

// RegisterFunction makes fn available in paths as @name. Like gjson.AddModifier
// it is not safe to call concurrently with Extract; register from init.
//
// The function only applies to string values. Applied to an array it maps
// over the elements, leaving nulls alone. When @name is a segment of its own
// between pipes, Extract reports decode failures as ErrDecode; used anywhere
// else in a path a failure selects nothing.
func RegisterFunction(name string, fn Function) {
	functions[name] = fn
	gjson.AddModifier(name, func(raw, _ string) string {
		out, err := apply(gjson.Parse(raw), fn)
		if err != nil {
			return ""
		}
		return out
	})
}

// lookupFunction returns the function named by a "@name" or "@name:arg" segment
func lookupFunction(segment string) (Function, bool) {
	name, ok := strings.CutPrefix(segment, "@")
	if !ok {
		return nil, false
	}
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	fn, ok := functions[name]
	return fn, ok
}

func apply(res gjson.Result, fn Function) (string, error) {
	switch {
	case res.IsArray():
		elems := res.Array()
		out := make([]string, 0, len(elems))
		for _, elem := range elems {
			v, err := apply(elem, fn)
			if err != nil {
				return "", err
			}
			out = append(out, v)
		}
		return "[" + strings.Join(out, ",") + "]", nil
	case res.Type == gjson.Null:
		return "null", nil
	case res.Type != gjson.String:
		return "", fmt.Errorf("cannot decode %s value", res.Type)
	}

	b, err := fn(res.String())
	if err != nil {
		return "", err
	}
	if gjson.ValidBytes(b) {
		return string(b), nil
	}
	if !utf8.Valid(b) {
		return "", errNotUTF8
	}
	quoted, err := json.Marshal(string(b))
	if err != nil {
		return "", err
	}
	return string(quoted), nil
}

// splitPipes splits path on the "|" separators outside of queries, quotes
// and escapes.
func splitPipes(path string) []string {
	var (
		segments []string
		depth    int
		inQuote  bool
		start    int
	)
	for i := 0; i < len(path); i++ {
		switch c := path[i]; {
		case c == '\\':
			i++
		case inQuote:
			if c == '"' {
				inQuote = false
			}
		case c == '"':
			inQuote = true
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case c == '|' && depth == 0:
			segments = append(segments, path[start:i])
			start = i + 1
		}
	}
	return append(segments, path[start:])
}

func decodeJSON(s string) ([]byte, error) {
	if !gjson.Valid(s) {
		return nil, fmt.Errorf("not a JSON document")
	}
	return []byte(s), nil
}

func decodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return quoteText(b)
}

func decodeBase64Gzip(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	return quoteText(out)
}

// quoteText keeps decoded text a JSON string so @powertools_json can be chained
func quoteText(b []byte) ([]byte, error) {
	if !utf8.Valid(b) {
		return nil, errNotUTF8
	}
	return json.Marshal(string(b))
}

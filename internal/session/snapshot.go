package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const snapshotSchemaURL = "https://relaypush.local/schemas/session-snapshot.json"

const snapshotSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["authenticated", "cachedAt", "recentItems"],
  "properties": {
    "authenticated": {"type": "boolean"},
    "cachedAt": {"type": "string"},
    "lastUpdated": {"type": "string"},
    "cutoff": {"type": "integer", "minimum": 0},
    "userInfo": {"type": "object"},
    "devices": {"type": ["array", "null"], "items": {"type": "object", "required": ["iden"]}},
    "recentItems": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["iden", "created", "modified"],
        "properties": {
          "iden": {"type": "string", "minLength": 1},
          "created": {"type": "integer"},
          "modified": {"type": "integer"}
        }
      }
    }
  }
}`

type snapshotCodec struct {
	schema *jsonschema.Schema
}

func newSnapshotCodec() (*snapshotCodec, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchema))
	if err != nil {
		return nil, fmt.Errorf("parse snapshot schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(snapshotSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add snapshot schema: %w", err)
	}
	schema, err := c.Compile(snapshotSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}
	return &snapshotCodec{schema: schema}, nil
}

func (c *snapshotCodec) encode(cache Cache) ([]byte, error) {
	return json.Marshal(cache)
}

// decode rejects snapshots written by an incompatible build rather than
// hydrating a half-populated cache from them.
func (c *snapshotCodec) decode(data []byte) (Cache, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Cache{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := c.schema.Validate(inst); err != nil {
		return Cache{}, fmt.Errorf("invalid snapshot: %w", err)
	}
	var cache Cache
	if err := json.Unmarshal(data, &cache); err != nil {
		return Cache{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return cache, nil
}

package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	FrameNop    = "nop"
	FrameTickle = "tickle"
	FramePush   = "push"

	EphemeralMirror    = "mirror"
	EphemeralDismissal = "dismissal"
)

type Frame struct {
	Type    string     `json:"type"`
	Subtype string     `json:"subtype,omitempty"`
	Push    *Ephemeral `json:"push,omitempty"`
}

// Ephemeral is a payload delivered only over the stream and never stored
// upstream. Mirrors carry a notification to present; dismissals name the
// item that was dismissed elsewhere.
type Ephemeral struct {
	Type            string `json:"type"`
	ItemID          string `json:"iden,omitempty"`
	NotificationID  string `json:"notification_id,omitempty"`
	Title           string `json:"title,omitempty"`
	Body            string `json:"body,omitempty"`
	ApplicationName string `json:"application_name,omitempty"`
	SourceDevice    string `json:"source_device_iden,omitempty"`
}

const frameSchemaURL = "https://relaypush.local/schemas/frame.json"

const frameSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["nop", "tickle", "push"]},
    "subtype": {"type": "string"},
    "push": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"type": "string", "minLength": 1},
        "iden": {"type": "string"},
        "notification_id": {"type": "string"},
        "title": {"type": "string"},
        "body": {"type": "string"},
        "application_name": {"type": "string"},
        "source_device_iden": {"type": "string"}
      }
    }
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "push"}}, "required": ["type"]},
      "then": {"required": ["push"]}
    },
    {
      "if": {"properties": {"type": {"const": "tickle"}}, "required": ["type"]},
      "then": {"required": ["subtype"]}
    }
  ]
}`

// Codec decodes stream frames after validating them against the frame
// schema.
type Codec struct {
	schema *jsonschema.Schema
}

func NewCodec() (*Codec, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchema))
	if err != nil {
		return nil, fmt.Errorf("parse frame schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(frameSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	schema, err := c.Compile(frameSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &Codec{schema: schema}, nil
}

func (c *Codec) Decode(data []byte) (Frame, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := c.schema.Validate(inst); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}

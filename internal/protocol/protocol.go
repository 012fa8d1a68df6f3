// Package protocol decodes and validates the websocket wire format. Inbound
// frames are JSON objects: either a single AppEvent tagged by "action" or a
// bundle {ackId, events} of them. Frames that fail schema validation are
// rejected before any dispatch; the connection layer closes on them rather
// than propagating ambiguous state.
package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/nonomal/ourboard/internal/models"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/message.schema.json
var schemaFS embed.FS

const schemaPath = "schema/message.schema.json"

var messageSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	raw, err := schemaFS.ReadFile(schemaPath)
	if err != nil {
		panic(fmt.Sprintf("protocol: missing embedded schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaPath, bytes.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("protocol: bad embedded schema: %v", err))
	}
	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		panic(fmt.Sprintf("protocol: schema does not compile: %v", err))
	}
	return schema
}

// Message is one decoded inbound frame: exactly one of Bundle or Event is
// non-nil.
type Message struct {
	Bundle *models.EventWrapper
	Event  *models.AppEvent
}

// DecodeMessage validates a raw frame against the wire schema and decodes it.
// Any error here is a protocol violation severe enough to close the
// connection.
func DecodeMessage(raw []byte) (*Message, error) {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if err := messageSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("frame failed schema validation: %w", err)
	}

	obj, ok := generic.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("frame is not an object")
	}
	if _, isBundle := obj["ackId"]; isBundle {
		var bundle models.EventWrapper
		if err := json.Unmarshal(raw, &bundle); err != nil {
			return nil, fmt.Errorf("malformed event bundle: %w", err)
		}
		return &Message{Bundle: &bundle}, nil
	}
	var event models.AppEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}
	return &Message{Event: &event}, nil
}

package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

type chatSchemaRegistry struct {
	once    sync.Once
	initErr error
	raw     []byte
	request *jsonschema.Schema
}

var chatSchemas chatSchemaRegistry

// initChatSchema reflects the inbound frame schema from chatRequest and
// compiles it once. Unknown fields are allowed so older clients that still
// send a history array keep working.
func initChatSchema() error {
	chatSchemas.once.Do(func() {
		r := &invopop.Reflector{
			Anonymous:                 true,
			DoNotReference:            true,
			AllowAdditionalProperties: true,
		}
		schema := r.Reflect(&chatRequest{})
		schema.Title = "malhub chat request"
		raw, err := json.Marshal(schema)
		if err != nil {
			chatSchemas.initErr = err
			return
		}
		compiled, err := jsonschema.CompileString("chat_request.json", string(raw))
		if err != nil {
			chatSchemas.initErr = err
			return
		}
		chatSchemas.raw = raw
		chatSchemas.request = compiled
	})
	return chatSchemas.initErr
}

// ChatRequestSchema returns the JSON Schema of inbound /ws/chat frames.
func ChatRequestSchema() ([]byte, error) {
	if err := initChatSchema(); err != nil {
		return nil, err
	}
	return chatSchemas.raw, nil
}

// decodeChatRequest validates and decodes one inbound frame.
func decodeChatRequest(raw []byte) (*chatRequest, error) {
	if err := initChatSchema(); err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := chatSchemas.request.Validate(payload); err != nil {
		return nil, err
	}

	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	req.ThreadID = strings.TrimSpace(req.ThreadID)
	if req.Type == "" {
		req.Type = requestMessage
	}
	if req.Type == requestConfirmResponse && req.Approved == nil {
		return nil, fmt.Errorf("approved is required for %s", requestConfirmResponse)
	}
	return &req, nil
}

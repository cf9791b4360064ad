package invoicerelay

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// MoveRequest is the queued instruction to relocate one ingested file.
type MoveRequest struct {
	FileName   string `json:"fileName"`
	BucketName string `json:"bucketName"`
	Date       string `json:"date"`
	MovingTime string `json:"movingTime,omitempty"`
}

func (m MoveRequest) Key() Key {
	return Key{FileName: m.FileName, Date: m.Date}
}

const moveRequestSchemaURL = "invoicerelay://schemas/move-request.json"

const moveRequestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["fileName", "bucketName", "date"],
	"properties": {
		"fileName": {"type": "string", "minLength": 1},
		"bucketName": {"type": "string", "minLength": 1},
		"date": {"type": "string", "pattern": "^[0-9]{4}/[0-9]{2}/[0-9]{2}$"},
		"movingTime": {"type": "string", "pattern": "^[0-9]{4}/[0-9]{2}/[0-9]{2} [0-9]{2}:[0-9]{2}:[0-9]{2}$"}
	}
}`

var moveRequestValidator = struct {
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}{}

func compiledMoveRequestSchema() (*jsonschema.Schema, error) {
	moveRequestValidator.once.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(moveRequestSchema))
		if err != nil {
			moveRequestValidator.err = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(moveRequestSchemaURL, doc); err != nil {
			moveRequestValidator.err = err
			return
		}
		moveRequestValidator.schema, moveRequestValidator.err = compiler.Compile(moveRequestSchemaURL)
	})
	return moveRequestValidator.schema, moveRequestValidator.err
}

func EncodeMoveRequest(req MoveRequest) (string, error) {
	if strings.TrimSpace(req.BucketName) == "" {
		return "", validationError("encode_move_request", req.Key(), "bucketName is required")
	}
	if err := req.Key().Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeMoveRequest parses a queue body. Bodies that fail the schema are
// validation errors; they will never succeed on redelivery.
func DecodeMoveRequest(body string) (MoveRequest, error) {
	schema, err := compiledMoveRequestSchema()
	if err != nil {
		return MoveRequest{}, fmt.Errorf("compile move request schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(body))
	if err != nil {
		return MoveRequest{}, validationError("decode_move_request", Key{}, "invalid json: %v", err)
	}
	if err := schema.Validate(inst); err != nil {
		return MoveRequest{}, validationError("decode_move_request", Key{}, "%v", err)
	}
	var req MoveRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return MoveRequest{}, validationError("decode_move_request", Key{}, "invalid json: %v", err)
	}
	return req, nil
}

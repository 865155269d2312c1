package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const createSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["listName"],
    "properties": {
      "listName": {"type": "string", "minLength": 1},
      "tempId": {"type": ["integer", "string", "null"]},
      "date": {"type": ["string", "null"]},
      "paymentDate": {"type": ["string", "null"]},
      "amount": {"type": ["string", "number", "null"]},
      "paidAmount": {"type": ["string", "number", "null"]},
      "managerBlock": {"type": ["boolean", "string", "integer", "null"]},
      "managerBlockListCell": {"type": ["array", "string", "null"]}
    }
  }
}`

const updateSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id"],
    "properties": {
      "id": {"type": ["integer", "string"], "pattern": "^[0-9]+$", "minimum": 1},
      "listName": {"type": ["string", "null"]},
      "amount": {"type": ["string", "number", "null"]},
      "paidAmount": {"type": ["string", "number", "null"]},
      "managerBlockListCell": {"type": ["array", "string", "null"]}
    }
  }
}`

const deleteSchema = `{
  "oneOf": [
    {"$ref": "#/$defs/ids"},
    {
      "type": "object",
      "required": ["transportAccountingIds"],
      "properties": {"transportAccountingIds": {"$ref": "#/$defs/ids"}}
    }
  ],
  "$defs": {
    "ids": {
      "type": "array",
      "items": {"type": ["integer", "string"]}
    }
  }
}`

type schemas struct {
	create *jsonschema.Schema
	update *jsonschema.Schema
	delete *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	compiler := jsonschema.NewCompiler()
	sources := map[string]string{
		"create.json": createSchema,
		"update.json": updateSchema,
		"delete.json": deleteSchema,
	}
	for name, source := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
	}
	out := &schemas{}
	var err error
	if out.create, err = compiler.Compile("create.json"); err != nil {
		return nil, err
	}
	if out.update, err = compiler.Compile("update.json"); err != nil {
		return nil, err
	}
	if out.delete, err = compiler.Compile("delete.json"); err != nil {
		return nil, err
	}
	return out, nil
}

// validate checks body against schema and returns a short message on
// failure.
func validate(schema *jsonschema.Schema, body []byte) (string, bool) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return "request body is not valid JSON", false
	}
	if err := schema.Validate(inst); err != nil {
		return firstLine(err.Error()), false
	}
	return "", true
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return strings.TrimSpace(text[:idx])
	}
	return strings.TrimSpace(text)
}

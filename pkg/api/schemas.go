package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBodyBytes = 1 << 20

const (
	amountPattern   = `^[0-9]+(\\.[0-9]+)?$`
	currencyPattern = `^[A-Za-z]{3,5}$`
)

var requestSchemas = map[string]string{
	"create_mandate": `{
		"type": "object",
		"required": ["mandate_type", "amount", "currency"],
		"properties": {
			"mandate_type": {"enum": ["intent", "cart"]},
			"amount": {"type": "string", "pattern": "` + amountPattern + `"},
			"currency": {"type": "string", "pattern": "` + currencyPattern + `"},
			"description": {"type": "string", "maxLength": 1024},
			"expiry_hours": {"type": "number", "exclusiveMinimum": 0, "maximum": 8760},
			"metadata": {"type": "object"}
		},
		"additionalProperties": false
	}`,
	"register_agent": `{
		"type": "object",
		"required": ["agent_id", "role"],
		"properties": {
			"agent_id": {"type": "string", "minLength": 1, "maxLength": 128},
			"public_key": {"type": "string"},
			"role": {"enum": ["initiator", "validator", "executor"]},
			"version": {"type": "string"},
			"metadata": {"type": "object"}
		},
		"additionalProperties": false
	}`,
	"set_active": `{
		"type": "object",
		"required": ["active"],
		"properties": {"active": {"type": "boolean"}},
		"additionalProperties": false
	}`,
	"set_spending_limit": `{
		"type": "object",
		"required": ["limit", "currency"],
		"properties": {
			"limit": {"type": "string", "pattern": "` + amountPattern + `"},
			"currency": {"type": "string", "pattern": "` + currencyPattern + `"}
		},
		"additionalProperties": false
	}`,
	"initiate_transaction": `{
		"type": "object",
		"required": ["validator_agents", "amount", "currency"],
		"properties": {
			"initiator_agent_id": {"type": "string", "minLength": 1},
			"validator_agents": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
			"amount": {"type": "string", "pattern": "` + amountPattern + `"},
			"currency": {"type": "string", "pattern": "` + currencyPattern + `"},
			"required_votes": {"type": "integer", "minimum": 0},
			"mandate_id": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"vote": `{
		"type": "object",
		"required": ["vote"],
		"properties": {
			"validator_agent_id": {"type": "string", "minLength": 1},
			"vote": {"type": "boolean"},
			"signature": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"execute": `{
		"type": "object",
		"required": ["from_wallet_id", "to_wallet_id"],
		"properties": {
			"from_wallet_id": {"type": "string", "minLength": 1},
			"to_wallet_id": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	"byzantine": `{
		"type": "object",
		"required": ["total_agents", "faulty_agents"],
		"properties": {
			"total_agents": {"type": "integer", "minimum": 1},
			"faulty_agents": {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`,
	"payment": `{
		"type": "object",
		"required": ["amount", "currency", "recipient_agent", "mandate_id", "from_wallet_id", "to_wallet_id"],
		"properties": {
			"amount": {"type": "string", "pattern": "` + amountPattern + `"},
			"currency": {"type": "string", "pattern": "` + currencyPattern + `"},
			"recipient_agent": {"type": "string", "minLength": 1},
			"payment_method": {"type": "string"},
			"mandate_id": {"type": "string", "minLength": 1},
			"from_wallet_id": {"type": "string", "minLength": 1},
			"to_wallet_id": {"type": "string", "minLength": 1},
			"metadata": {"type": "object"}
		},
		"additionalProperties": false
	}`,
}

var compiledSchemas = mustCompileSchemas(requestSchemas)

func mustCompileSchemas(src map[string]string) map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(src))
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for name, schema := range src {
		url := fmt.Sprintf("https://helm-pay.dev/schemas/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
			panic(fmt.Sprintf("api: load schema %s: %v", name, err))
		}
	}
	for name := range src {
		s, err := c.Compile(fmt.Sprintf("https://helm-pay.dev/schemas/%s.schema.json", name))
		if err != nil {
			panic(fmt.Sprintf("api: compile schema %s: %v", name, err))
		}
		out[name] = s
	}
	return out
}

// decodeBody reads the request body, validates it against the named schema
// and decodes it into dst. On failure it writes a 400 and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeBadRequest(w, r, "Request body too large or unreadable")
		return false
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		writeBadRequest(w, r, "Invalid JSON body")
		return false
	}
	if err := compiledSchemas[schema].Validate(doc); err != nil {
		writeBadRequest(w, r, schemaMessage(err))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeBadRequest(w, r, "Invalid request body")
		return false
	}
	return true
}

func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return fmt.Sprintf("Invalid request body at %s: %s", loc, leaf.Message)
	}
	return "Invalid request body: " + err.Error()
}

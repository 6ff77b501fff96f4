package command

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"civicledger/internal/apperr"
)

const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "type"],
  "properties": {
    "id":      {"type": "string", "minLength": 1, "maxLength": 128},
    "type":    {"type": "string", "minLength": 1},
    "token":   {"type": "string"},
    "payload": {"type": "object"}
  }
}`

const coordinatesSchema = `{
  "type": "object",
  "required": ["lat", "lng"],
  "properties": {"lat": {"type": "number"}, "lng": {"type": "number"}}
}`

var payloadSchemas = map[Type]string{
	TypeCreateProject: `{
  "type": "object",
  "required": ["name", "budget", "supervisor_commitment"],
  "properties": {
    "name": {"type": "string"},
    "budget": {"type": "integer"},
    "supervisor_commitment": {"type": "string"}
  }
}`,
	TypeSubmitTender: `{
  "type": "object",
  "required": ["project_id", "bid_commitment"],
  "properties": {
    "project_id": {"type": "integer"},
    "bid_commitment": {"type": "string"},
    "encrypted_data_ref": {"type": "string"},
    "tender_doc_ref": {"type": "string"},
    "quality_report_ref": {"type": "string"}
  }
}`,
	TypeApproveTender: `{
  "type": "object",
  "required": ["tender_id", "contractor", "nonce"],
  "properties": {
    "tender_id": {"type": "integer"},
    "contractor": {"type": "string"},
    "nonce": {"type": "string"}
  }
}`,
	TypeSubmitMilestone: `{
  "type": "object",
  "required": ["tender_id", "percentage", "gps", "quality_metrics_commitment"],
  "properties": {
    "tender_id": {"type": "integer"},
    "percentage": {"type": "integer"},
    "proof_images_ref": {"type": "string"},
    "architecture_ref": {"type": "string"},
    "gps": ` + coordinatesSchema + `,
    "captured_at": {"type": "string", "format": "date-time"},
    "quality_metrics_commitment": {"type": "string"}
  }
}`,
	TypeVerifyMilestone: `{
  "type": "object",
  "required": ["milestone_id", "quality_verified", "gps_verified", "progress_verified"],
  "properties": {
    "milestone_id": {"type": "integer"},
    "quality_verified": {"type": "boolean"},
    "gps_verified": {"type": "boolean"},
    "progress_verified": {"type": "boolean"}
  }
}`,
	TypeAttestMilestone: `{
  "type": "object",
  "required": ["milestone_id", "site"],
  "properties": {
    "milestone_id": {"type": "integer"},
    "site": ` + coordinatesSchema + `
  }
}`,
}

var (
	envelopeValidator = mustCompile(envelopeSchema)
	payloadValidators = compileAll(payloadSchemas)
)

func mustCompile(schema string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("command: invalid schema: %v", err))
	}
	return s
}

func compileAll(src map[Type]string) map[Type]*gojsonschema.Schema {
	out := make(map[Type]*gojsonschema.Schema, len(src))
	for typ, schema := range src {
		out[typ] = mustCompile(schema)
	}
	return out
}

// validate checks doc against schema and reports every violation as one InvalidArgument.
func validate(op string, schema *gojsonschema.Schema, doc []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return apperr.New(apperr.KindInvalidArgument, op, "unreadable document: %v", err)
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		errs[i] = desc.String()
	}
	return apperr.New(apperr.KindInvalidArgument, op, "schema violation: %s", strings.Join(errs, "; "))
}

func validateEnvelope(data []byte) error {
	return validate("command", envelopeValidator, data)
}

func validatePayload(env Envelope) error {
	schema, ok := payloadValidators[env.Type]
	if !ok {
		return apperr.New(apperr.KindInvalidArgument, "command", "unknown command type %q", env.Type)
	}
	return validate(string(env.Type), schema, env.Payload)
}

package gateway

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Method param schemas compile once on first use. Validation runs before
// dispatch, so handlers unmarshal known shapes and reject only semantics.
type wsSchemaRegistry struct {
	once    sync.Once
	initErr error
	methods map[string]*jsonschema.Schema
}

var wsSchemas wsSchemaRegistry

func initWSSchemas() error {
	wsSchemas.once.Do(func() {
		sources := map[string]string{
			"connect":            wsConnectSchema,
			"agent":              wsAgentSchema,
			"run.stop":           wsRunStopSchema,
			"permission.respond": wsPermissionRespondSchema,
			"memory.search":      wsMemorySearchSchema,
			"memory.list":        wsMemoryListSchema,
			"memory.delete":      wsMemoryDeleteSchema,
			"memory.pin":         wsMemoryPinSchema,
			"memory.unpin":       wsMemoryPinSchema,
			"schedules.create":   wsScheduleWriteSchema,
			"schedules.update":   wsScheduleUpdateSchema,
			"schedules.delete":   wsScheduleDeleteSchema,
		}
		wsSchemas.methods = make(map[string]*jsonschema.Schema, len(sources))
		for name, source := range sources {
			compiled, err := jsonschema.CompileString("ws_method_"+name, source)
			if err != nil {
				wsSchemas.initErr = err
				return
			}
			wsSchemas.methods[name] = compiled
		}
	})
	return wsSchemas.initErr
}

// validateMethodParams checks params against the method's schema. Methods
// without a schema take no params and pass. Empty params validate as an
// empty object so optional-only schemas accept omitted params.
func validateMethodParams(method string, raw json.RawMessage) error {
	if err := initWSSchemas(); err != nil {
		return err
	}
	schema := wsSchemas.methods[method]
	if schema == nil {
		return nil
	}
	var params any = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return err
		}
	}
	return schema.Validate(params)
}

const wsConnectSchema = `{
  "type": "object",
  "properties": {
    "protocol": { "type": "integer", "minimum": 1 },
    "client": {
      "type": "object",
      "properties": {
        "id": { "type": "string" },
        "version": { "type": "string" },
        "platform": { "type": "string" }
      },
      "additionalProperties": true
    },
    "session": { "type": "string" },
    "last_seq": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const wsAgentSchema = `{
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": { "type": "string", "minLength": 1 },
    "session": { "type": "string" }
  },
  "additionalProperties": true
}`

const wsRunStopSchema = `{
  "type": "object",
  "properties": {
    "run_id": { "type": "string" }
  },
  "additionalProperties": true
}`

const wsPermissionRespondSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "approve": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const wsMemorySearchSchema = `{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 100 }
  },
  "additionalProperties": true
}`

const wsMemoryListSchema = `{
  "type": "object",
  "properties": {
    "type": { "type": "string" },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 },
    "offset": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const wsMemoryDeleteSchema = `{
  "type": "object",
  "required": ["ids"],
  "properties": {
    "ids": {
      "type": "array",
      "items": { "type": "integer" },
      "minItems": 1
    }
  },
  "additionalProperties": true
}`

const wsMemoryPinSchema = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "text": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const wsScheduleWriteSchema = `{
  "type": "object",
  "properties": {
    "name": { "type": "string" },
    "kind": { "enum": ["at", "every", "cron"] },
    "at": { "type": "string" },
    "every": { "type": "string" },
    "cron_expr": { "type": "string" },
    "timezone": { "type": "string" },
    "prompt": { "type": "string" },
    "worker_type": { "type": "string" },
    "enabled": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const wsScheduleUpdateSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "kind": { "enum": ["at", "every", "cron"] },
    "at": { "type": "string" },
    "every": { "type": "string" },
    "cron_expr": { "type": "string" },
    "timezone": { "type": "string" },
    "prompt": { "type": "string" },
    "worker_type": { "type": "string" },
    "enabled": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const wsScheduleDeleteSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

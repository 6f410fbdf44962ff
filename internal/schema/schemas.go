package schema

// Normative JSON Schemas for the payload shapes called out in §4.4. Types
// not listed here (negotiation, ping, pong, control, config_update,
// ally_status, query) are envelope-only: the registry still tracks their
// category/timeout metadata, but their body shape is whatever §6 documents,
// validated structurally by the broker/engine handlers instead of a schema.

const toolCallSchema = `{
  "type": "object",
  "required": ["type", "source", "tool_name", "parameters", "execution_id", "msg-sent-timestamp"],
  "properties": {
    "type": { "const": "tool_call" },
    "source": { "type": "string", "minLength": 1 },
    "tool_name": { "type": "string", "minLength": 1 },
    "parameters": { "type": "object" },
    "execution_id": { "type": "string", "minLength": 1 },
    "msg-sent-timestamp": { "type": "string", "minLength": 1 },
    "correlation_id": { "type": "string" },
    "workflow_id": { "type": "string" },
    "context": {
      "type": "object",
      "properties": {
        "timeout": { "type": "number", "exclusiveMinimum": 0 },
        "retry_count": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": true
    },
    "security": { "type": "object" }
  },
  "additionalProperties": true
}`

const toolResultSchema = `{
  "type": "object",
  "required": ["execution_id", "tool_name", "status", "source", "msg-sent-timestamp"],
  "properties": {
    "execution_id": { "type": "string", "minLength": 1 },
    "tool_name": { "type": "string", "minLength": 1 },
    "status": { "enum": ["success", "error", "timeout", "cancelled", "partial"] },
    "source": { "type": "string", "minLength": 1 },
    "msg-sent-timestamp": { "type": "string", "minLength": 1 },
    "result": { },
    "error": {
      "type": "object",
      "required": ["code", "message"],
      "properties": {
        "code": { "type": "string" },
        "message": { "type": "string" }
      }
    }
  },
  "allOf": [
    {
      "if": { "properties": { "status": { "const": "error" } }, "required": ["status"] },
      "then": { "required": ["error"] }
    },
    {
      "if": { "properties": { "status": { "enum": ["success", "partial"] } }, "required": ["status"] },
      "then": { "required": ["result"] }
    }
  ],
  "additionalProperties": true
}`

const allyIntentSchema = `{
  "type": "object",
  "required": ["source", "msg-sent-timestamp"],
  "additionalProperties": true
}`

const allyMemorySchema = `{
  "type": "object",
  "required": ["source", "msg-sent-timestamp"],
  "additionalProperties": true
}`

const allyQuerySchema = `{
  "type": "object",
  "required": ["source", "msg-sent-timestamp"],
  "additionalProperties": true
}`

package api

import "github.com/xeipuuv/gojsonschema"

// Request body schemas.  Bodies are validated before they are decoded so
// malformed requests are rejected with every problem listed at once.
var (
	buildSchema = gojsonschema.NewStringLoader(`{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "BuildRequest",
  "type": "object",
  "required": ["name", "git_repo"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 50},
    "git_repo": {"type": "string", "minLength": 1},
    "dockerfile_path": {"type": "string"},
    "context_sub_path": {"type": "string"}
  }
}`)

	deploySchema = gojsonschema.NewStringLoader(`{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "DeployRequest",
  "type": "object",
  "required": ["name"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1}
  }
}`)

	matchSchema = gojsonschema.NewStringLoader(`{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "MatchRequest",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "agent_ids": {
      "type": "array",
      "minItems": 2,
      "uniqueItems": true,
      "items": {"type": "string", "minLength": 1}
    }
  }
}`)
)

package templates

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const profileSchemaJSON = `{
  "type": "object",
  "required": ["id", "name", "persona", "correction_style", "guidance_level"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "persona": {"type": "string", "minLength": 1},
    "question_patterns": {"type": "array", "items": {"type": "string"}},
    "correction_style": {"type": "string"},
    "guidance_level": {"enum": ["low", "medium", "high"]},
    "forbidden_phrases": {"type": "array", "items": {"type": "string"}}
  }
}`

const lessonSchemaJSON = `{
  "type": "object",
  "required": ["id", "title", "objective", "screens"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "title": {"type": "string", "minLength": 1},
    "objective": {"type": "string", "minLength": 1},
    "keywords": {"type": "array", "items": {"type": "string"}},
    "assessment": {"type": "array", "items": {"type": "string"}},
    "screens": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["prompt", "answer", "concepts"],
        "properties": {
          "id": {"type": "string", "pattern": "^screen_[0-9]{3,}$"},
          "title": {"type": "string"},
          "prompt": {"type": "string", "minLength": 1},
          "answer": {"type": "string", "minLength": 1},
          "accepted_answers": {"type": "array", "items": {"type": "string"}},
          "concepts": {"type": "array", "minItems": 1, "items": {"type": "string"}},
          "keywords": {"type": "array", "items": {"type": "string"}},
          "misconceptions": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }
    }
  }
}`

var (
	profileSchema = mustSchema(profileSchemaJSON)
	lessonSchema  = mustSchema(lessonSchemaJSON)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("templates: compile schema: %v", err))
	}
	return s
}

func validateDoc(name string, schema *gojsonschema.Schema, data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if doc == nil {
		return fmt.Errorf("%s: empty document", name)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate %s: %w", name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%s: schema validation failed: %s", name, strings.Join(msgs, "; "))
	}
	return nil
}

package ingestion

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"

	"AgentLedger/internal/errs"
	"AgentLedger/internal/event"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "mem://agentledger/schemas/"

// Parser validates raw command payloads against the embedded JSON Schemas
// and decodes them into typed commands. Upstream producers use snake_case
// field names; addresses are 0x-prefixed hex.
type Parser struct {
	schemas map[event.EventType]*jsonschema.Schema
}

// NewParser compiles one schema per command type. Every type must have a
// schema file named after its subject token.
func NewParser() (*Parser, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	for _, e := range entries {
		data, err := fs.ReadFile(schemaFS, path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		if err := c.AddResource(schemaBaseURL+e.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", e.Name(), err)
		}
	}

	p := &Parser{schemas: make(map[event.EventType]*jsonschema.Schema)}
	for _, et := range event.AllEventTypes() {
		s, err := c.Compile(schemaBaseURL + et.Subject() + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", et, err)
		}
		p.schemas[et] = s
	}
	return p, nil
}

// Parse validates data as a command of type et and decodes it. Failures are
// INVALID_ARGUMENT rejections.
func (p *Parser) Parse(et event.EventType, data []byte) (event.Event, error) {
	schema, ok := p.schemas[et]
	if !ok {
		return nil, errs.New(errs.CodeInvalidArgument, errs.WithMessage(fmt.Sprintf("unknown event type %d", et)))
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, errs.New(errs.CodeInvalidArgument,
			errs.WithMessage("malformed json"), errs.WithCause(err))
	}
	if err := schema.Validate(doc); err != nil {
		return nil, errs.New(errs.CodeInvalidArgument,
			errs.WithMessage(fmt.Sprintf("%s payload failed validation", et)),
			errs.WithCause(err))
	}

	evt, err := event.Decode(et, data)
	if err != nil {
		return nil, errs.New(errs.CodeInvalidArgument, errs.WithCause(err))
	}
	return evt, nil
}

// ParseRawEvent parses a bus message. eventType is a type name or subject
// token, as carried by SubjectConfig.
func (p *Parser) ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	et, err := event.ParseEventType(eventType)
	if err != nil {
		return nil, errs.New(errs.CodeInvalidArgument, errs.WithCause(err))
	}
	return p.Parse(et, raw.Data)
}

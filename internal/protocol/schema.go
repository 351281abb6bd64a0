package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/annel0/kmp-host/internal/authority"
)

const (
	entityRef = `{"type":"integer","minimum":1,"maximum":4294967295}`
	vec3      = `{"type":"object","properties":{"x":{"type":"number"},"y":{"type":"number"},"z":{"type":"number"}},"required":["x","y","z"]}`
	itemName  = `{"type":"string","minLength":1,"maxLength":64}`
	tradeRef  = `{"type":"string","minLength":1,"maxLength":64}`
)

// commandSchemas тела клиентских команд
var commandSchemas = map[authority.Kind]string{
	authority.KindMove: `{"type":"object","required":["entity","to"],"properties":{
		"entity":` + entityRef + `,"to":` + vec3 + `,"rot":{"type":"number"}}}`,
	authority.KindAttack: `{"type":"object","required":["attacker","target"],"properties":{
		"attacker":` + entityRef + `,"target":` + entityRef + `}}`,
	authority.KindPickUp: `{"type":"object","required":["actor","item"],"properties":{
		"actor":` + entityRef + `,"item":` + entityRef + `}}`,
	authority.KindDrop: `{"type":"object","required":["actor","item","amount"],"properties":{
		"actor":` + entityRef + `,"item":` + itemName + `,"amount":{"type":"number","exclusiveMinimum":0}}}`,
	authority.KindUseItem: `{"type":"object","required":["actor","item"],"properties":{
		"actor":` + entityRef + `,"item":` + itemName + `}}`,
	authority.KindBuild: `{"type":"object","required":["actor","kind","pos"],"properties":{
		"actor":` + entityRef + `,"kind":` + itemName + `,"pos":` + vec3 + `,"rot":{"type":"number"}}}`,
	authority.KindSpawnRequest: `{"type":"object","required":["type","pos"],"properties":{
		"type":{"type":"integer","enum":[1,2]},"pos":` + vec3 + `,"rot":{"type":"number"},
		"template":` + itemName + `,"faction":{"type":"string","maxLength":64}}}`,
	authority.KindDespawnRequest: `{"type":"object","required":["entities"],"properties":{
		"entities":{"type":"array","minItems":1,"maxItems":32,"items":` + entityRef + `}}}`,
	authority.KindChat: `{"type":"object","required":["text"],"properties":{
		"text":{"type":"string","minLength":1,"maxLength":256}}}`,
	authority.KindProposeTrade: `{"type":"object","required":["initiator","target"],"properties":{
		"initiator":` + entityRef + `,"target":` + entityRef + `}}`,
	authority.KindRespondTrade: `{"type":"object","required":["trade","accept"],"properties":{
		"trade":` + tradeRef + `,"accept":{"type":"boolean"}}}`,
	authority.KindUpdateOffer: `{"type":"object","required":["trade","items"],"properties":{
		"trade":` + tradeRef + `,"items":{"type":"object","maxProperties":32,
		"additionalProperties":{"type":"number","minimum":0}}}}`,
	authority.KindSetReady: `{"type":"object","required":["trade","ready"],"properties":{
		"trade":` + tradeRef + `,"ready":{"type":"boolean"}}}`,
	authority.KindConfirmTrade: `{"type":"object","required":["trade"],"properties":{"trade":` + tradeRef + `}}`,
	authority.KindCancelTrade:  `{"type":"object","required":["trade"],"properties":{"trade":` + tradeRef + `}}`,
}

// CommandSchema проверяет тела команд до их декодирования
type CommandSchema struct {
	schemas map[authority.Kind]*jsonschema.Schema
}

// NewCommandSchema компилирует встроенные схемы
func NewCommandSchema() (*CommandSchema, error) {
	cs := &CommandSchema{schemas: make(map[authority.Kind]*jsonschema.Schema, len(commandSchemas))}
	for kind, src := range commandSchemas {
		s, err := jsonschema.CompileString(fmt.Sprintf("kmp://commands/%s.json", kind), src)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", kind, err)
		}
		cs.schemas[kind] = s
	}
	return cs, nil
}

// Validate проверяет тело команды
func (cs *CommandSchema) Validate(msg Command) error {
	s, ok := cs.schemas[msg.Kind]
	if !ok {
		return fmt.Errorf("unknown command kind %q", msg.Kind)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(msg.Body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("command body: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("command %s: %w", msg.Kind, err)
	}
	return nil
}

// Parse проверяет схему и декодирует команду
func (cs *CommandSchema) Parse(msg Command) (authority.Command, error) {
	if err := cs.Validate(msg); err != nil {
		return nil, err
	}
	return DecodeCommand(msg)
}

package protocol

import "encoding/json"

// Данные событий тика, которые превращаются в отдельные сообщения
// (TimeSync, PlayerJoined, PlayerLeft), хранятся как map[string]any.
// Преобразования ниже держат оба представления согласованными.

// EventData переводит структуру сообщения в данные события
func EventData(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// FromEventData заполняет v из данных события
func FromEventData(data map[string]any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

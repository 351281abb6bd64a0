package state

import (
	"encoding/json"
	"sort"
)

// Ключи typeData, которыми пользуется ядро. Остальные ключи проходят насквозь.
const (
	DataInventory         = "inventory"         // Player: предмет -> количество
	DataAttack            = "attack"            // сила атаки
	DataDefense           = "defense"           // защита в процентах
	DataStatus            = "status"            // "" | "down"
	DataItem              = "item"              // Item: вид предмета
	DataAmount            = "amount"            // Item: количество
	DataContainer         = "container"         // Item: EntityID контейнера, 0 — лежит в мире
	DataController        = "controller"        // "player" | "ai"
	DataInvulnerableUntil = "invulnerableUntil" // tickId, до которого урон игнорируется
	DataLastAttacker      = "lastAttacker"      // EntityID последнего атаковавшего
	DataKind              = "kind"              // Building: вид постройки
	DataIntegrity         = "integrity"         // Building: прочность
	DataName              = "name"
	DataFaction           = "faction"
	DataSkills            = "skills"
	DataStanding          = "standing"
)

const (
	StatusDown      = "down"
	ControllerAI    = "ai"
	ControllerHuman = "player"
)

// Number читает числовое поле typeData
func (e *EntityState) Number(key string, def float64) float64 {
	if e == nil || e.Data == nil {
		return def
	}
	if f, ok := toFloat(e.Data[key]); ok {
		return f
	}
	return def
}

// Text читает строковое поле typeData
func (e *EntityState) Text(key string) string {
	if e == nil || e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// Inventory возвращает копию инвентаря как предмет -> количество
func Inventory(e *EntityState) map[string]float64 {
	out := map[string]float64{}
	if e == nil || e.Data == nil {
		return out
	}
	raw, ok := e.Data[DataInventory].(map[string]any)
	if !ok {
		return out
	}
	for item, v := range raw {
		if f, ok := toFloat(v); ok && f > 0 {
			out[item] = f
		}
	}
	return out
}

// InventoryValue переводит инвентарь в нормализованное значение typeData.
// Нулевые позиции выбрасываются.
func InventoryValue(inv map[string]float64) map[string]any {
	out := make(map[string]any, len(inv))
	for item, n := range inv {
		if n > 0 {
			out[item] = n
		}
	}
	return out
}

// WithInventory возвращает копию сущности с заменённым инвентарём
func WithInventory(e *EntityState, inv map[string]float64) *EntityState {
	next := e.Clone()
	if next.Data == nil {
		next.Data = map[string]any{}
	}
	next.Data[DataInventory] = InventoryValue(inv)
	return next
}

// InventoryDelta дельта, которая заменяет только инвентарь
func InventoryDelta(id EntityID, inv map[string]float64, tick uint64) EntityDelta {
	return EntityDelta{
		EntityID:   id,
		Kind:       DeltaUpdated,
		Changed:    Fields{DataPrefix + DataInventory: InventoryValue(inv)},
		SourceTick: tick,
	}
}

// Has проверяет наличие предмета в нужном количестве
func Has(e *EntityState, item string, amount float64) bool {
	return Inventory(e)[item] >= amount
}

// SortedItems возвращает ключи инвентаря в детерминированном порядке
func SortedItems(inv map[string]float64) []string {
	keys := make([]string, 0, len(inv))
	for k := range inv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Normalize приводит значение к JSON-родным типам (float64, string, bool, []any, map[string]any).
// После нормализации сохранение и загрузка не меняют значение, и хеш стабилен.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case float64, string, bool:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case EntityID:
		return float64(t)
	case EntityType:
		return float64(t)
	case ParticipantID:
		return string(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = Normalize(x)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = x
		}
		return out
	case []float64:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = x
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = Normalize(x)
		}
		return out
	case map[string]float64:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = x
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = x
		}
		return out
	}

	// Прочее (структуры и т.п.) — через JSON
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = cloneValue(x)
		}
		return out
	default:
		return t
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case EntityID:
		return float64(t), true
	case EntityType:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

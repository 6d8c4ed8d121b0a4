package entity

import (
	"fmt"
	"strings"
)

// Kind is one of the fixed set of domain entities kept in the local store.
type Kind string

const (
	KindLot             Kind = "lot"
	KindInventory       Kind = "inventory"
	KindTask            Kind = "task"
	KindPestObservation Kind = "pestObservation"
	KindHarvest         Kind = "harvest"
	KindExpense         Kind = "expense"
	KindSetting         Kind = "setting"
)

type kindInfo struct {
	table    string
	endpoint string
}

var kinds = map[Kind]kindInfo{
	KindLot:             {table: "lots", endpoint: "lots"},
	KindInventory:       {table: "inventory", endpoint: "inventory"},
	KindTask:            {table: "tasks", endpoint: "tasks"},
	KindPestObservation: {table: "pest_observations", endpoint: "pest-observations"},
	KindHarvest:         {table: "harvests", endpoint: "harvests"},
	KindExpense:         {table: "expenses", endpoint: "expenses"},
	KindSetting:         {table: "settings", endpoint: "settings"},
}

// order is stable so that iteration over kinds is deterministic
var order = []Kind{
	KindLot,
	KindInventory,
	KindTask,
	KindPestObservation,
	KindHarvest,
	KindExpense,
	KindSetting,
}

// Kinds returns every known kind in a stable order.
func Kinds() []Kind {
	out := make([]Kind, len(order))
	copy(out, order)
	return out
}

// ParseKind resolves a kind from its name. Table names and endpoint plurals are accepted too.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := kinds[k]; ok {
		return k, nil
	}
	for _, k := range order {
		info := kinds[k]
		if strings.EqualFold(s, string(k)) || s == info.table || s == info.endpoint {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// KindForTable returns the kind stored in the given table.
func KindForTable(table string) (Kind, bool) {
	for _, k := range order {
		if kinds[k].table == table {
			return k, true
		}
	}
	return "", false
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Table is the name of the local table that stores records of this kind.
func (k Kind) Table() string {
	return kinds[k].table
}

// Endpoint is the plural used in the remote API path, /api/<endpoint>.
func (k Kind) Endpoint() string {
	return kinds[k].endpoint
}

func (k Kind) String() string {
	return string(k)
}

// Package tableext implements the replication layer over
// internal/table's storage adapters: named, server-authoritative
// tables that subscribed sessions observe and mutate, with an
// in-memory LRU cache and a debounced persistence task.
package tableext

import "fmt"

// Info is the identity and configuration a table is declared with —
// by a local Register call or by a remote client's table/register
// event.
type Info struct {
	Extension string `json:"extension"`
	Name      string `json:"name"`
	UseDatabase bool  `json:"use_database"`
	Cache       bool  `json:"cache"`
	CacheSize   int   `json:"cache_size"`
}

// Key is the table's stable identity and the wire discriminator used
// to route table/item_* events and endpoints to it.
func (i Info) Key() string {
	return fmt.Sprintf("%s:%s", i.Extension, i.Name)
}

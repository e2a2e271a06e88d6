// Package app holds the identity record a client presents at handshake.
package app

import "fmt"

// App identifies a connected client. Two concurrently alive sessions
// must never share a Key(); the network replaces the older session
// when a new one presents the same key.
type App struct {
	Name    string `json:"name"`
	Group   string `json:"group"`
	Version string `json:"version"`
}

// Key is App's stable unique identity: "group/name". This is a
// concrete, minimal instantiation of the opaque key() the core
// contract requires — group and name are the two fields every
// connecting client is expected to supply at handshake.
func (a App) Key() string {
	return fmt.Sprintf("%s/%s", a.Group, a.Name)
}

func (a App) String() string {
	return a.Key()
}

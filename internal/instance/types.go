package instance

import "time"

// Server is one supervised game server instance as the API sees it.
type Server struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Port       int       `json:"port"`
	Version    string    `json:"version"`
	Running    bool      `json:"running"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Patch carries the mutable settings of a server.
type Patch struct {
	Name string
	Port int
}

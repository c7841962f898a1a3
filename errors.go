package keytrack

import "github.com/keytrack/keytrack/client"

// ErrNotFound is returned when a key is not found on the server.
var ErrNotFound = client.ErrNotFound

// ErrClientClosed is returned when operations are performed on a closed client.
var ErrClientClosed = client.ErrClientClosed

// ErrDisconnected is returned while the client has no live server connection.
var ErrDisconnected = client.ErrDisconnected

// ErrInvalidConfig is returned when the client configuration is invalid.
var ErrInvalidConfig = client.ErrInvalidConfig

package tiles

import (
	"context"
	"encoding/json"
)

// Adapter turns an idea into a TileData-shaped JSON payload by calling one
// upstream. Adapters may be slow or fail; each owns its own timeout.
type Adapter interface {
	Tile() Type
	Source() string
	Endpoint() string
	Fetch(ctx context.Context, idea string) (json.RawMessage, error)
}

// FetchFunc is the body of an AdapterFunc.
type FetchFunc func(ctx context.Context, idea string) (json.RawMessage, error)

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc struct {
	TileType     Type
	SourceName   string
	EndpointName string
	Fn           FetchFunc
}

func (a AdapterFunc) Tile() Type { return a.TileType }

func (a AdapterFunc) Source() string { return a.SourceName }

// Endpoint defaults to the tile name.
func (a AdapterFunc) Endpoint() string {
	if a.EndpointName == "" {
		return string(a.TileType)
	}
	return a.EndpointName
}

func (a AdapterFunc) Fetch(ctx context.Context, idea string) (json.RawMessage, error) {
	return a.Fn(ctx, idea)
}

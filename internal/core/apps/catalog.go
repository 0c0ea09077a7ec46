// Package apps resolves app ids to installable packages.
package apps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"device-orchestrator/internal/core/provider"
)

var ErrUnknownApp = errors.New("unknown app")

type Catalog interface {
	Resolve(ctx context.Context, appID string) (provider.App, error)
}

// Static is a catalog loaded once from configuration.
type Static map[string]provider.App

// ParseStatic reads {"<appId>": {"packageName": "...", "location": "..."}}.
func ParseStatic(raw string) (Static, error) {
	out := Static{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("app catalog: %w", err)
	}
	for id, app := range out {
		app.ID = id
		out[id] = app
	}
	return out, nil
}

func (s Static) Resolve(_ context.Context, appID string) (provider.App, error) {
	app, ok := s[appID]
	if !ok {
		return provider.App{}, fmt.Errorf("%w: %q", ErrUnknownApp, appID)
	}
	return app, nil
}

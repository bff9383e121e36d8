package remote

import (
	"context"
	"net/url"

	"github.com/bustrack/transitsync/internal/model"
	"github.com/bustrack/transitsync/pkg/errors"
)

// envelope is the API response wrapper.
type envelope[T any] struct {
	Data T `json:"data"`
}

// TransitAPI is the typed view of the transit endpoints. Every payload is
// validated; malformed records fail the whole call with a validation error.
type TransitAPI struct {
	client *Client
}

// NewTransitAPI wraps client.
func NewTransitAPI(client *Client) *TransitAPI {
	return &TransitAPI{client: client}
}

// Ping checks that the API answers.
func (a *TransitAPI) Ping(ctx context.Context) error {
	return a.client.GetJSON(ctx, "health", "/v1/health", nil)
}

// FetchBuses returns the latest position of every active bus.
func (a *TransitAPI) FetchBuses(ctx context.Context) ([]model.Bus, error) {
	return fetchList[model.Bus](ctx, a.client, "buses", "/v1/buses")
}

// FetchBus returns one bus.
func (a *TransitAPI) FetchBus(ctx context.Context, id string) (model.Bus, error) {
	return fetchOne[model.Bus](ctx, a.client, "bus", "/v1/buses/"+url.PathEscape(id))
}

// FetchRoutes returns every route.
func (a *TransitAPI) FetchRoutes(ctx context.Context) ([]model.Route, error) {
	return fetchList[model.Route](ctx, a.client, "routes", "/v1/routes")
}

// FetchRoute returns one route.
func (a *TransitAPI) FetchRoute(ctx context.Context, id string) (model.Route, error) {
	return fetchOne[model.Route](ctx, a.client, "route", "/v1/routes/"+url.PathEscape(id))
}

// FetchStops returns every stop.
func (a *TransitAPI) FetchStops(ctx context.Context) ([]model.Stop, error) {
	return fetchList[model.Stop](ctx, a.client, "stops", "/v1/stops")
}

func fetchList[T model.Entity](ctx context.Context, c *Client, resource, path string) ([]T, error) {
	var env envelope[[]T]
	if err := c.GetJSON(ctx, resource, path, &env); err != nil {
		return nil, err
	}
	if err := model.ValidateAll(env.Data); err != nil {
		return nil, err
	}
	if env.Data == nil {
		env.Data = []T{}
	}
	return env.Data, nil
}

func fetchOne[T model.Entity](ctx context.Context, c *Client, resource, path string) (T, error) {
	var env envelope[*T]
	var zero T
	if err := c.GetJSON(ctx, resource, path, &env); err != nil {
		return zero, err
	}
	if env.Data == nil {
		return zero, errors.Validation("data", "response has no data")
	}
	if err := (*env.Data).Validate(); err != nil {
		return zero, err
	}
	return *env.Data, nil
}

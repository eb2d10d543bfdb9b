// Package handlers implements the message handlers served by the
// dispatcher: prompt execution, harvesting, context lifecycle and flight
// introspection.
package handlers

import (
	"context"
	"log/slog"

	"github.com/seantiz/mercury/internal/config"
	"github.com/seantiz/mercury/internal/dispatch"
	"github.com/seantiz/mercury/internal/flight"
	"github.com/seantiz/mercury/internal/host"
	"github.com/seantiz/mercury/internal/model"
	"github.com/seantiz/mercury/internal/pool"
	"github.com/seantiz/mercury/internal/race"
	"github.com/seantiz/mercury/internal/store"
)

// Message types served by Register.
const (
	TypeExecutePrompt    = "EXECUTE_PROMPT"
	TypeBroadcastPrompt  = "BROADCAST_PROMPT"
	TypeHarvestResponse  = "HARVEST_RESPONSE"
	TypeCheckReadiness   = "CHECK_READINESS"
	TypeAttemptRecovery  = "ATTEMPT_RECOVERY"
	TypeGetAvailableTabs = "GET_AVAILABLE_TABS"
	TypeResetSession     = "RESET_SESSION"
	TypePing             = "PING"
	TypeGetFlight        = "GET_FLIGHT"
	TypeCancelFlight     = "CANCEL_FLIGHT"
	TypeListFlights      = "LIST_FLIGHTS"
)

// Flights is the flight coordinator surface the handlers use.
type Flights interface {
	Launch(ctx context.Context, providerKey, prompt string, opts flight.LaunchOptions) (*model.Flight, error)
	Wait(ctx context.Context, id string) (*model.Flight, error)
	Get(ctx context.Context, id string) (*model.Flight, error)
	Cancel(id, reason string) (*model.Flight, error)
	List() []*model.Flight
}

// Contexts is the worker context pool surface the handlers use.
type Contexts interface {
	Acquire(ctx context.Context, providerKey, flightID string) (*pool.Lease, error)
	Release(id string)
	MarkError(id, reason string)
	Recover(ctx context.Context, id string) error
	Reset(providerKey string) int
	List() []model.WorkerContext
}

// Harvester extracts the current answer from a context.
type Harvester interface {
	Harvest(ctx context.Context, hc host.Context, p config.Provider) (race.Harvested, error)
}

var (
	_ Flights   = (*flight.Coordinator)(nil)
	_ Contexts  = (*pool.Pool)(nil)
	_ Harvester = (*race.Engine)(nil)
)

// Deps are the collaborators shared by every handler.
type Deps struct {
	Flights   Flights
	Contexts  Contexts
	Harvester Harvester
	Host      host.Host
	Providers *config.Providers
	Store     store.Store
	Logger    *slog.Logger
	Version   string
}

// Handlers serves the message types. Create with New and attach with
// Register.
type Handlers struct {
	deps Deps
}

// New creates the handler set.
func New(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// Register binds every message type to d, each with its payload validator.
func (h *Handlers) Register(d *dispatch.Dispatcher) {
	d.Register(TypeExecutePrompt, h.executePrompt, dispatch.WithValidator(dispatch.Schema[ExecutePayload]()))
	d.Register(TypeBroadcastPrompt, h.broadcastPrompt, dispatch.WithValidator(dispatch.Schema[BroadcastPayload]()))
	d.Register(TypeHarvestResponse, h.harvestResponse, dispatch.WithValidator(dispatch.Schema[HarvestPayload]()))
	d.Register(TypeCheckReadiness, h.checkReadiness, dispatch.WithValidator(dispatch.Schema[ProviderPayload]()))
	d.Register(TypeAttemptRecovery, h.attemptRecovery, dispatch.WithValidator(dispatch.Schema[RecoveryPayload]()))
	d.Register(TypeGetAvailableTabs, h.getAvailableTabs, dispatch.WithValidator(dispatch.Schema[ProviderPayload]()))
	d.Register(TypeResetSession, h.resetSession, dispatch.WithValidator(dispatch.Schema[ResetPayload]()))
	d.Register(TypePing, h.ping)
	d.Register(TypeGetFlight, h.getFlight, dispatch.WithValidator(dispatch.Schema[FlightPayload]()))
	d.Register(TypeCancelFlight, h.cancelFlight, dispatch.WithValidator(dispatch.Schema[CancelPayload]()))
	d.Register(TypeListFlights, h.listFlights, dispatch.WithValidator(dispatch.Schema[ListPayload]()))
}

// providers resolves an optional provider key to the profiles it names.
// An empty key selects every provider.
func (h *Handlers) providers(key string) ([]config.Provider, error) {
	if key == "" {
		return h.deps.Providers.List(), nil
	}
	p, ok := h.deps.Providers.Get(key)
	if !ok {
		return nil, unknownProvider(key)
	}
	return []config.Provider{p}, nil
}

package connector

import (
	"context"
	"sort"
	"sync"
)

// DefaultConnectorID is used when a payout carries no explicit routing.
const DefaultConnectorID = "molam_core"

// DefaultRail is used when neither the request nor the routing advisor
// picked one.
const DefaultRail = RailACH

// Registry holds the connectors available to the engine, keyed by
// (connector id, rail).
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

func key(id, rail string) string {
	return id + "/" + rail
}

// Register adds a connector. Later registrations for the same key win.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[key(c.ID(), c.Rail())] = c
}

// Resolve returns the connector for (id, rail), applying defaults for
// empty values. Returns ErrConnectorNotFound when nothing matches.
func (r *Registry) Resolve(id, rail string) (Connector, error) {
	if id == "" {
		id = DefaultConnectorID
	}
	if rail == "" {
		rail = DefaultRail
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.connectors[key(id, rail)]; ok {
		return c, nil
	}
	// Fall back to the default connector on the requested rail.
	if c, ok := r.connectors[key(DefaultConnectorID, rail)]; ok {
		return c, nil
	}
	return nil, ErrConnectorNotFound
}

// HealthKey identifies one connector in a health report.
type HealthKey struct {
	ConnectorID string `json:"connectorId"`
	Rail        string `json:"rail"`
}

// HealthReport is one connector's health snapshot.
type HealthReport struct {
	HealthKey
	HealthStatus
}

// HealthAll runs HealthCheck on every registered connector, in a stable
// order.
func (r *Registry) HealthAll(ctx context.Context) []HealthReport {
	r.mu.RLock()
	connectors := make([]Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		connectors = append(connectors, c)
	}
	r.mu.RUnlock()

	sort.Slice(connectors, func(i, j int) bool {
		if connectors[i].ID() != connectors[j].ID() {
			return connectors[i].ID() < connectors[j].ID()
		}
		return connectors[i].Rail() < connectors[j].Rail()
	})

	reports := make([]HealthReport, 0, len(connectors))
	for _, c := range connectors {
		reports = append(reports, HealthReport{
			HealthKey:    HealthKey{ConnectorID: c.ID(), Rail: c.Rail()},
			HealthStatus: c.HealthCheck(ctx),
		})
	}
	return reports
}

package pairing

import (
	"github.com/proxipair/pairing-server/internal/geo"
	"github.com/proxipair/pairing-server/internal/spatial"
)

// Registry maps connection ids to their latest device state and keeps the
// spatial grid in step with it. A device id resolves to the connection that
// most recently reported it, so a reconnecting device supersedes its old
// connection. Registry is not safe for concurrent use; the Engine serializes
// access.
type Registry struct {
	conns    map[string]*ConnectionState
	devices  map[string]string // deviceID -> connID
	grid     *spatial.Grid
	movement float64
}

// NewRegistry creates an empty registry indexing into grid.
func NewRegistry(grid *spatial.Grid, movementThreshold float64) *Registry {
	return &Registry{
		conns:    make(map[string]*ConnectionState),
		devices:  make(map[string]string),
		grid:     grid,
		movement: movementThreshold,
	}
}

// Connect registers a connection that has not reported yet. Connecting an
// already known id is a no-op.
func (r *Registry) Connect(connID string) {
	if _, ok := r.conns[connID]; ok {
		return
	}
	r.conns[connID] = &ConnectionState{ConnID: connID}
}

// Disconnect drops the connection and removes it from the grid. It returns
// the removed state and whether the connection still owned its device id.
// Unknown ids return ok=false.
func (r *Registry) Disconnect(connID string) (state ConnectionState, owned bool, ok bool) {
	st, ok := r.conns[connID]
	if !ok {
		return ConnectionState{}, false, false
	}
	delete(r.conns, connID)
	r.grid.Remove(connID)

	if id := st.DeviceID(); id != "" && r.devices[id] == connID {
		delete(r.devices, id)
		owned = true
	}
	return *st, owned, true
}

// Update stores report as the connection's latest state and reindexes it.
// It returns the previous report (nil on the first one) and false when the
// connection is not registered.
func (r *Registry) Update(connID string, report DeviceReport) (prev *DeviceReport, ok bool) {
	st, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	prev = st.Report

	moved := true
	if prev != nil && prev.DeviceID == report.DeviceID {
		moved = geo.Distance(report.Point(), prev.Point()) >= r.movement
	}
	if prev != nil && prev.DeviceID != report.DeviceID && r.devices[prev.DeviceID] == connID {
		delete(r.devices, prev.DeviceID)
	}

	rep := report
	st.Report = &rep
	st.Moved = moved
	r.devices[report.DeviceID] = connID

	newCell := r.grid.CellOf(report.Point())
	if oldCell, indexed := r.grid.Locate(connID); indexed {
		r.grid.Move(connID, oldCell, newCell)
	} else {
		r.grid.Insert(connID, newCell)
	}
	return prev, true
}

// Get returns the live state for a device id. Devices that are not connected
// or have not reported are absent.
func (r *Registry) Get(deviceID string) (ConnectionState, bool) {
	connID, ok := r.devices[deviceID]
	if !ok {
		return ConnectionState{}, false
	}
	st, ok := r.conns[connID]
	if !ok || st.Report == nil {
		return ConnectionState{}, false
	}
	return *st, true
}

// State returns the state of a connection.
func (r *Registry) State(connID string) (ConnectionState, bool) {
	st, ok := r.conns[connID]
	if !ok {
		return ConnectionState{}, false
	}
	return *st, true
}

// owns reports whether connID is the connection currently bound to deviceID.
func (r *Registry) owns(connID, deviceID string) bool {
	return r.devices[deviceID] == connID
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return len(r.conns)
}

package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"
)

const (
	ConnectedClients = "ConnectedClients"
	ActiveRooms      = "ActiveRooms"
	ChatGroups       = "ChatGroups"
	UpdatesApplied   = "UpdatesApplied"
	Flushes          = "Flushes"
	FlushFailures    = "FlushFailures"
	Evictions        = "Evictions"
	MessagesCreated  = "MessagesCreated"
	MessagesDeleted  = "MessagesDeleted"
)

// Names lists every counter the collaboration server maintains.
var Names = []string{
	ConnectedClients,
	ActiveRooms,
	ChatGroups,
	UpdatesApplied,
	Flushes,
	FlushFailures,
	Evictions,
	MessagesCreated,
	MessagesDeleted,
}

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
}

type StatsUpdater struct {
	vars *expvar.Map
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a stats updater and serves its values at
// GET /debug/vars on mux. The map is not published to the process-wide expvar
// registry, so several updaters may coexist.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		vars: new(expvar.Map).Init(),
	}
	if mux != nil {
		mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	}
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) add(name string, delta int64) {
	metric, ok := su.vars.Get(name).(*expvar.Int)
	if !ok {
		panic("metric not found: " + name)
	}

	metric.Add(delta)
}

func (su *StatsUpdater) Incr(name string) {
	su.add(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	su.add(name, -1)
}

func (su *StatsUpdater) RegisterMetric(name string) {
	if su.vars.Get(name) != nil {
		return
	}
	su.vars.Set(name, new(expvar.Int))
}

// Value returns the current value of a registered counter.
func (su *StatsUpdater) Value(name string) int64 {
	if metric, ok := su.vars.Get(name).(*expvar.Int); ok {
		return metric.Value()
	}
	return 0
}

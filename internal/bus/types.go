package bus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"bus-tracker/internal/store"
)

// Document field names of a bus document.
const (
	FieldID               = "id"
	FieldCurrentStopIndex = "currentStopIndex"
	FieldETA              = "eta"
	FieldRouteCompleted   = "routeCompleted"
	FieldStudentCount     = "studentCount"
	FieldLastUpdated      = "lastUpdated"
)

// StopDef is one configured stop of a route.
type StopDef struct {
	Name          string `yaml:"name" json:"name"`
	ScheduledTime string `yaml:"scheduledTime" json:"scheduledTime"`
}

// Route is the static configuration of one bus.
type Route struct {
	BusID int       `yaml:"busId" json:"busId"`
	Name  string    `yaml:"name" json:"name"`
	Stops []StopDef `yaml:"stops" json:"stops"`
}

// State is the canonical record stored remotely. A nil ETA means no ETA is set.
type State struct {
	ID               int       `json:"id"`
	CurrentStopIndex int       `json:"currentStopIndex"`
	ETA              *int      `json:"eta"`
	RouteCompleted   bool      `json:"routeCompleted"`
	StudentCount     int       `json:"studentCount"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

type Stop struct {
	Name          string     `json:"name"`
	ScheduledTime string     `json:"scheduledTime"`
	Completed     bool       `json:"completed"`
	ActualTime    *time.Time `json:"actualTime,omitempty"`
}

// View is the local materialization of a bus: its State plus its route.
type View struct {
	State
	Name  string `json:"name"`
	Route []Stop `json:"route"`
}

// DocID is the document key of a bus.
func DocID(id int) string { return strconv.Itoa(id) }

// Document renders the full state as a store document.
func (s State) Document() store.Document {
	d := store.Document{
		FieldID:               s.ID,
		FieldCurrentStopIndex: s.CurrentStopIndex,
		FieldETA:              nil,
		FieldRouteCompleted:   s.RouteCompleted,
		FieldStudentCount:     s.StudentCount,
	}
	if s.ETA != nil {
		d[FieldETA] = *s.ETA
	}
	if !s.LastUpdated.IsZero() {
		d[FieldLastUpdated] = s.LastUpdated
	}
	return d
}

// DecodeState reads a store document. The id comes from the document key
// when the body has none.
func DecodeState(docID string, d store.Document) (State, error) {
	var s State
	raw, err := json.Marshal(d)
	if err != nil {
		return s, fmt.Errorf("encode bus %s: %w", docID, err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("decode bus %s: %w", docID, err)
	}
	if _, ok := d[FieldID]; !ok {
		id, err := strconv.Atoi(docID)
		if err != nil {
			return s, fmt.Errorf("bus document key %q is not numeric", docID)
		}
		s.ID = id
	}
	return s, nil
}

// Len is the number of stops on the route.
func (v *View) Len() int { return len(v.Route) }

// SyncCompletion recomputes Completed from CurrentStopIndex. Stops that are
// not completed lose their actual time.
func (v *View) SyncCompletion() {
	for i := range v.Route {
		done := i < v.CurrentStopIndex
		v.Route[i].Completed = done
		if !done {
			v.Route[i].ActualTime = nil
		}
	}
}

// Clone returns a deep copy.
func (v View) Clone() View {
	out := v
	if v.ETA != nil {
		eta := *v.ETA
		out.ETA = &eta
	}
	out.Route = make([]Stop, len(v.Route))
	for i, st := range v.Route {
		if st.ActualTime != nil {
			at := *st.ActualTime
			st.ActualTime = &at
		}
		out.Route[i] = st
	}
	return out
}

// NewView builds the initial view of a configured route.
func NewView(r Route) View {
	v := View{State: State{ID: r.BusID}, Name: r.Name, Route: make([]Stop, len(r.Stops))}
	for i, s := range r.Stops {
		v.Route[i] = Stop{Name: s.Name, ScheduledTime: s.ScheduledTime}
	}
	return v
}

func ETAEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

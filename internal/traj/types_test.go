package traj

import (
	"encoding/json"
	"testing"
)

func TestWaypointJSONRoundTrip(t *testing.T) {
	w := Waypoint{X: 1.5, Y: -2, Z: 300}
	data, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != "[1.5,-2,300]" {
		t.Fatalf("marshal = %s", data)
	}
	var got Waypoint
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != w {
		t.Errorf("round trip = %+v, want %+v", got, w)
	}
}

func TestWaypointUnmarshalRejectsWrongArity(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"two values", `[1,2]`},
		{"four values", `[1,2,3,4]`},
		{"empty", `[]`},
		{"object", `{"x":1}`},
	}
	for _, tc := range cases {
		var w Waypoint
		if err := json.Unmarshal([]byte(tc.in), &w); err == nil {
			t.Errorf("%s: expected error, got %+v", tc.name, w)
		}
	}
}

package topic

import (
	"reflect"
	"testing"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/model"
)

func TestParse(t *testing.T) {
	r := NewMQTT("easemilker")

	tests := []struct {
		name   string
		topic  string
		want   Route
		wantOK bool
	}{
		{"data", "easemilker/EM1234/data", Route{DeviceID: "EM1234", Kind: model.KindData}, true},
		{"status", "easemilker/EM1234/status", Route{DeviceID: "EM1234", Kind: model.KindStatus}, true},
		{"alert", "easemilker/EM1234/alert", Route{DeviceID: "EM1234", Kind: model.KindAlert}, true},
		{"unknown kind is still routable", "easemilker/EM1234/firmware", Route{DeviceID: "EM1234", Kind: "firmware"}, true},
		{"one segment", "easemilker", Route{}, false},
		{"two segments", "easemilker/EM1234", Route{}, false},
		{"four segments", "easemilker/EM1234/data/extra", Route{}, false},
		{"trailing delimiter", "easemilker/EM1234/data/", Route{}, false},
		{"empty", "", Route{}, false},
		{"empty device", "easemilker//data", Route{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Parse(tt.topic)
			if ok != tt.wantOK {
				t.Fatalf("Parse(%q) ok = %v, want %v", tt.topic, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.topic, got, tt.want)
			}
		})
	}
}

func TestParseNATS(t *testing.T) {
	r := NewNATS("easemilker")

	got, ok := r.Parse("easemilker.EM1234.alert")
	if !ok {
		t.Fatal("Parse() ok = false, want true")
	}
	if got.DeviceID != "EM1234" || got.Kind != model.KindAlert {
		t.Errorf("Parse() = %+v", got)
	}

	// A device ID with a slash would escape its store partition.
	if _, ok := r.Parse("easemilker.EM/1234.data"); ok {
		t.Error("Parse() accepted a device ID containing a path separator")
	}
}

func TestFilters(t *testing.T) {
	tests := []struct {
		router Router
		want   []string
	}{
		{NewMQTT("easemilker"), []string{"easemilker/+/data", "easemilker/+/status", "easemilker/+/alert"}},
		{NewNATS("easemilker"), []string{"easemilker.*.data", "easemilker.*.status", "easemilker.*.alert"}},
	}

	for _, tt := range tests {
		got := tt.router.Filters(model.Kinds...)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Filters() = %v, want %v", got, tt.want)
		}
	}
}

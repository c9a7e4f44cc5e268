package ports

import "testing"

func TestParsePortRecordsModernSchema(t *testing.T) {
	data := []byte(`{"detected_ports":[
		{"port":{"address":"/dev/ttyUSB0","protocol":"serial","label":"USB0"},
		 "matching_boards":[{"name":"ESP32 Dev Module","fqbn":"esp32:esp32:esp32"}]},
		{"port":{"address":"/dev/ttyS0","protocol":"serial","label":"S0"}}
	]}`)
	recs, ok := parsePortRecords(data)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if !recs[0].TargetClass || recs[0].FQBN != "esp32:esp32:esp32" {
		t.Errorf("recs[0] = %+v", recs[0])
	}
	if recs[1].TargetClass {
		t.Errorf("recs[1] should not be target class: %+v", recs[1])
	}
}

func TestParsePortRecordsLegacySchema(t *testing.T) {
	data := []byte(`{"ports":[{"address":"/dev/ttyUSB1","protocol":"serial"}]}`)
	recs, ok := parsePortRecords(data)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if len(recs) != 1 || recs[0].Address != "/dev/ttyUSB1" {
		t.Errorf("recs = %+v", recs)
	}
}

func TestParsePortRecordsInvalidJSON(t *testing.T) {
	_, ok := parsePortRecords([]byte("not json"))
	if ok {
		t.Fatal("expected ok=false for invalid JSON")
	}
}

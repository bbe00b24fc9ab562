package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const geometryFixture = `name = T0
type = mimosa26
position = 0, 0, 0
orientation = 0, 0, 0
number_of_pixels = 100, 100
pixel_pitch = 0.0184, 0.0184
material_budget = 0.001
role = reference

name = T1
type = mimosa26
position = 0, 0, 20
orientation = 0, 0, 0
number_of_pixels = 100, 100
pixel_pitch = 0.0184, 0.0184
material_budget = 0.001
role = reference

name = T2
type = mimosa26
position = 0, 0, 40
orientation = 0, 0, 0
number_of_pixels = 100, 100
pixel_pitch = 0.0184, 0.0184
material_budget = 0.001
role = reference
`

const framesFixture = `time_begin_ps,time_end_ps,trigger_no,pivot_fraction,has_pivot
0,2000000,1,0,0
`

const triggersFixture = `start_ps,stop_ps,trigger_no
1000000,1000100,1
`

// One pixel per plane at (50,50), all inside the single event window.
const hitsFixture = `is_pixel,col,row,raw,charge,timestamp_ns,message_type
1,50,50,12,5,1000,
`

type trackRow struct {
	Detector string
	Backend  string
	Ndof     string
}

func TestTrackReconEndToEnd(t *testing.T) {
	dir := t.TempDir()
	t.Logf("testing directory: %s", dir)

	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	hitsDirPath := filepath.Join(dir, "hits")
	if err := os.Mkdir(hitsDirPath, 0o755); err != nil {
		t.Fatalf("mkdir hits: %v", err)
	}
	for _, det := range []string{"T0", "T1", "T2"} {
		if err := os.WriteFile(filepath.Join(hitsDirPath, det+".csv"), []byte(hitsFixture), 0o644); err != nil {
			t.Fatalf("write hits for %s: %v", det, err)
		}
	}

	outPath := filepath.Join(dir, "tracks.csv")
	*geometryFile = write("geometry.conf", geometryFixture)
	*framesFile = write("frames.csv", framesFixture)
	*triggersFile = write("triggers.csv", triggersFixture)
	*hitsDir = hitsDirPath
	*outFile = outPath
	*timeBeforeNs = 1000
	*timeAfterNs = 1000

	stats, err := run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !stats.EndOfFile {
		t.Error("expected the run to end on stream exhaustion")
	}
	if stats.TracksFitted != 1 {
		t.Errorf("expected 1 fitted track, got %d", stats.TracksFitted)
	}

	raw, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 4 { // header + one row per plane
		t.Fatalf("expected 4 output lines, got %d:\n%s", len(lines), raw)
	}

	var got []trackRow
	for _, line := range lines[1:] {
		fields := strings.Split(line, ",")
		got = append(got, trackRow{Detector: fields[8], Backend: fields[3], Ndof: fields[5]})
	}
	want := []trackRow{
		{Detector: "T0", Backend: "straightline", Ndof: "2"},
		{Detector: "T1", Backend: "straightline", Ndof: "2"},
		{Detector: "T2", Backend: "straightline", Ndof: "2"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("track rows mismatch (-want +got):\n%s", diff)
	}
}

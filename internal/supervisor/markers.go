package supervisor

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Marker maps a substring of a worker output line to a progress value.
type Marker struct {
	Match    string `yaml:"match"`
	Progress int    `yaml:"progress"`
	Message  string `yaml:"message"`
}

// MarkerTable is an ordered list of markers; the first match wins.
type MarkerTable []Marker

// DefaultMarkers returns the table for the network analysis worker.
func DefaultMarkers() MarkerTable {
	return MarkerTable{
		{Match: "Starting analysis", Progress: 5, Message: "Starting analysis"},
		{Match: "Loading network data", Progress: 15, Message: "Loading network data"},
		{Match: "Analyzing traffic patterns", Progress: 30, Message: "Analyzing traffic patterns"},
		{Match: "Detecting anomalies", Progress: 50, Message: "Detecting anomalies"},
		{Match: "Correlating threat intelligence", Progress: 65, Message: "Correlating threat intelligence"},
		{Match: "Scoring risks", Progress: 80, Message: "Scoring risks"},
		{Match: "Generating report", Progress: 90, Message: "Generating report"},
		{Match: "Finalizing", Progress: 95, Message: "Finalizing"},
	}
}

// Lookup returns the first marker whose substring occurs in line.
func (t MarkerTable) Lookup(line string) (Marker, bool) {
	for _, m := range t {
		if strings.Contains(line, m.Match) {
			return m, true
		}
	}
	return Marker{}, false
}

// Validate rejects empty substrings and progress outside 0..99. 100 is
// reserved for the exit-code driven completion.
func (t MarkerTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("marker table is empty")
	}
	for i, m := range t {
		if strings.TrimSpace(m.Match) == "" {
			return fmt.Errorf("marker %d: match must not be empty", i)
		}
		if m.Progress < 0 || m.Progress > 99 {
			return fmt.Errorf("marker %d (%q): progress must be between 0 and 99, got %d", i, m.Match, m.Progress)
		}
	}
	return nil
}

type markerFile struct {
	Markers MarkerTable `yaml:"markers"`
}

// LoadMarkers reads a marker table from a YAML file of the form:
//
//	markers:
//	  - match: "Analyzing traffic patterns"
//	    progress: 30
//	    message: "Analyzing traffic"
func LoadMarkers(path string) (MarkerTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read marker file: %w", err)
	}

	var f markerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse marker file: %w", err)
	}
	for i := range f.Markers {
		if f.Markers[i].Message == "" {
			f.Markers[i].Message = f.Markers[i].Match
		}
	}
	if err := f.Markers.Validate(); err != nil {
		return nil, err
	}
	return f.Markers, nil
}

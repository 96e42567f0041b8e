package artifacts

import (
	"os"
	"path/filepath"
	"sort"
)

// Output file names inside a job directory.
const (
	ProcessedVideoFile = "processed_video.mp4"
	CrowdDataFile      = "crowd_data.csv"
	MovementDataFile   = "movement_data.csv"
	MetadataFile       = "video_data.json"
	HeatmapFile        = "heatmap.png"
	DetectionPlotFile  = "detection.png"
	SocialDistanceFile = "social distance.png"
	CrowdDataPlotFile  = "crowd data.png"
	EnergyGraphFile    = "energy graph.png"
	CrowdChartFile     = "crowd_chart.html"
)

// Kind is a downloadable artifact type as exposed over HTTP.
type Kind string

const (
	KindProcessedVideo     Kind = "processed_video"
	KindCrowdData          Kind = "crowd_data"
	KindMovementData       Kind = "movement_data"
	KindVideoMetadata      Kind = "video_metadata"
	KindHeatmap            Kind = "heatmap"
	KindDetectionPlot      Kind = "detection_plot"
	KindSocialDistancePlot Kind = "social_distance_plot"
	KindCrowdDataPlot      Kind = "crowd_data_plot"
	KindEnergyGraph        Kind = "energy_graph"
	KindCrowdChart         Kind = "crowd_chart"
)

var catalogue = map[Kind]Spec{
	KindProcessedVideo:     {Kind: KindProcessedVideo, Filename: ProcessedVideoFile, ContentType: "video/mp4"},
	KindCrowdData:          {Kind: KindCrowdData, Filename: CrowdDataFile, ContentType: "text/csv"},
	KindMovementData:       {Kind: KindMovementData, Filename: MovementDataFile, ContentType: "text/csv"},
	KindVideoMetadata:      {Kind: KindVideoMetadata, Filename: MetadataFile, ContentType: "application/json"},
	KindHeatmap:            {Kind: KindHeatmap, Filename: HeatmapFile, ContentType: "image/png"},
	KindDetectionPlot:      {Kind: KindDetectionPlot, Filename: DetectionPlotFile, ContentType: "image/png"},
	KindSocialDistancePlot: {Kind: KindSocialDistancePlot, Filename: SocialDistanceFile, ContentType: "image/png"},
	KindCrowdDataPlot:      {Kind: KindCrowdDataPlot, Filename: CrowdDataPlotFile, ContentType: "image/png"},
	KindEnergyGraph:        {Kind: KindEnergyGraph, Filename: EnergyGraphFile, ContentType: "image/png"},
	KindCrowdChart:         {Kind: KindCrowdChart, Filename: CrowdChartFile, ContentType: "text/html; charset=utf-8"},
}

// Spec describes one artifact type.
type Spec struct {
	Kind        Kind
	Filename    string
	ContentType string
}

// Lookup returns the spec for k.
func Lookup(k Kind) (Spec, bool) {
	s, ok := catalogue[k]
	return s, ok
}

// Kinds returns every artifact type in name order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(catalogue))
	for k := range catalogue {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entry is the availability of one artifact in a job directory.
type Entry struct {
	Filename  string `json:"filename"`
	Available bool   `json:"available"`
	Size      int64  `json:"size,omitempty"`
}

// Scan stats every catalogued file in dir.
func Scan(dir string) map[Kind]Entry {
	out := make(map[Kind]Entry, len(catalogue))
	for k, s := range catalogue {
		e := Entry{Filename: s.Filename}
		if fi, err := os.Stat(filepath.Join(dir, s.Filename)); err == nil && fi.Mode().IsRegular() {
			e.Available = true
			e.Size = fi.Size()
		}
		out[k] = e
	}
	return out
}

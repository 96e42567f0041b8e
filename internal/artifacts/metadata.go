package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MetadataTimeLayout formats START_TIME and END_TIME.
const MetadataTimeLayout = "02/01/2006, 15:04:05"

// Metadata is the video_data.json record describing how a video was
// processed. Plotting reads DataRecordFrame and FPS back from it.
type Metadata struct {
	IsCam              bool    `json:"IS_CAM"`
	DataRecordFrame    int     `json:"DATA_RECORD_FRAME"`
	FPS                float64 `json:"VID_FPS"`
	// ProcessedFrameSize is the width in pixels the frames were analysed
	// and encoded at.
	ProcessedFrameSize int     `json:"PROCESSED_FRAME_SIZE"`
	TrackMaxAge        int     `json:"TRACK_MAX_AGE"`
	StartTime          string  `json:"START_TIME"`
	EndTime            string  `json:"END_TIME"`
	ProcessedVideoPath *string `json:"PROCESSED_VIDEO_PATH"`
	OutputDirectory    string  `json:"OUTPUT_DIRECTORY"`
}

// DataRecordFrame is the number of source frames per recorded sample at
// the given target record rate. Live sources record every frame.
func DataRecordFrame(fps, recordRate float64, live bool) int {
	if live || recordRate <= 0 {
		return 1
	}
	n := int(fps / recordRate)
	if n < 1 {
		return 1
	}
	return n
}

// FormatMetadataTime formats t for START_TIME and END_TIME.
func FormatMetadataTime(t time.Time) string {
	return t.Format(MetadataTimeLayout)
}

// WriteMetadata writes md to dir/video_data.json.
func WriteMetadata(dir string, md Metadata) error {
	b, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataFile), b, 0o644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads dir/video_data.json.
func ReadMetadata(dir string) (Metadata, error) {
	var md Metadata
	b, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return md, fmt.Errorf("reading metadata: %w", err)
	}
	if err := json.Unmarshal(b, &md); err != nil {
		return md, fmt.Errorf("decoding metadata: %w", err)
	}
	return md, nil
}

package results

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// timestampLayout matches the second-precision format the reporting tools
// expect.
const timestampLayout = "2006-01-02 15:04:05"

// WriteCSV writes results with a fixed column order.
func WriteCSV(w io.Writer, items []SampleResult) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{"sample", "hole_label", "target_torque", "actual_torque", "timestamp"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, item := range items {
		record := []string{
			strconv.Itoa(item.Sample),
			item.HoleLabel,
			strconv.FormatFloat(item.TargetTorque, 'f', 2, 64),
			strconv.FormatFloat(item.ActualTorque, 'f', 2, 64),
			item.Timestamp.Format(timestampLayout),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// ExportFile writes results to
// <dir>/torque_results_<connectionID>_<torque>.csv and returns the path.
// connectionID is the endpoint the run was recorded against, or "SIM" for
// simulation runs.
func ExportFile(dir, connectionID string, torque float64, items []SampleResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("torque_results_%s_%s.csv",
		sanitize(connectionID), strconv.FormatFloat(torque, 'f', -1, 64))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := WriteCSV(f, items); err != nil {
		return "", err
	}
	return path, nil
}

// sanitize makes an endpoint safe for a filename.
func sanitize(s string) string {
	if s == "" {
		return "SIM"
	}
	replacer := strings.NewReplacer("tcp://", "", ":", "-", "/", "_", "\\", "_")
	return replacer.Replace(s)
}

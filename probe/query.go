package probe

import (
	"fmt"
	"strings"
	"time"

	"github.com/balakumargv-solx/infra-agent/fleet"
)

// queryResponse mirrors the InfluxDB 1.8 /query JSON envelope.
type queryResponse struct {
	Results []queryResult `json:"results"`
}

type queryResult struct {
	Series []querySeries `json:"series"`
	Error  string        `json:"error"`
}

type querySeries struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Values  [][]any  `json:"values"`
}

// buildPingQuery selects the raw ping columns for the given IP set over the
// trailing window, oldest first.
func buildPingQuery(ips []string, windowHours int) string {
	conds := make([]string, len(ips))
	for i, ip := range ips {
		conds[i] = fmt.Sprintf("url = '%s'", ip)
	}

	return fmt.Sprintf(
		"SELECT time, url, result_code, percent_packet_loss FROM ping WHERE time > now() - %dh AND (%s) ORDER BY time ASC",
		windowHours, strings.Join(conds, " OR "),
	)
}

// pingColumns holds the resolved positions of the columns we consume.
// Unknown columns in the series are tolerated and ignored.
type pingColumns struct {
	time       int
	url        int
	resultCode int
	packetLoss int
}

func resolvePingColumns(columns []string) (pingColumns, error) {
	pc := pingColumns{time: -1, url: -1, resultCode: -1, packetLoss: -1}

	for i, name := range columns {
		switch name {
		case "time":
			pc.time = i
		case "url":
			pc.url = i
		case "result_code":
			pc.resultCode = i
		case "percent_packet_loss":
			pc.packetLoss = i
		}
	}

	if pc.time < 0 || pc.url < 0 {
		return pc, fmt.Errorf("series missing time/url columns: %v", columns)
	}
	return pc, nil
}

// decodePingRow converts one value row into a sample. Rows with an
// unparseable timestamp or missing IP are skipped. A missing result_code or
// packet_loss cell counts as a failed ping.
func decodePingRow(pc pingColumns, row []any) (fleet.PingSample, bool) {
	ts, ok := stringAt(row, pc.time)
	if !ok {
		return fleet.PingSample{}, false
	}
	ip, ok := stringAt(row, pc.url)
	if !ok || ip == "" {
		return fleet.PingSample{}, false
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fleet.PingSample{}, false
	}

	resultCode := numberAt(row, pc.resultCode, 1)
	packetLoss := numberAt(row, pc.packetLoss, 100)

	return fleet.PingSample{
		DeviceIP:  ip,
		Timestamp: parsed.UTC(),
		Success:   resultCode == 0 && packetLoss < 100,
	}, true
}

func stringAt(row []any, idx int) (string, bool) {
	if idx < 0 || idx >= len(row) {
		return "", false
	}
	s, ok := row[idx].(string)
	return s, ok
}

func numberAt(row []any, idx int, fallback float64) float64 {
	if idx < 0 || idx >= len(row) {
		return fallback
	}
	f, ok := row[idx].(float64)
	if !ok {
		return fallback
	}
	return f
}

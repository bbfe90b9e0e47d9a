package fleet

import (
	"sort"
	"time"
)

// DeviceStatusFrom derives the per-device view from its samples. Samples
// must be ordered oldest first, as returned by the probe client.
//
// Uptime is successes/total*100, or 0 when the device has no samples.
// Current status follows the most recent sample. Downtime aging is the
// time since the last successful sample; when the device has samples but
// never succeeded it is measured from the first sample instead.
func DeviceStatusFrom(ip string, role Role, samples []PingSample, now time.Time) DeviceStatus {
	ds := DeviceStatus{
		IP:            ip,
		Role:          role,
		CurrentStatus: StatusUnknown,
	}

	if len(samples) == 0 {
		return ds
	}

	ds.HasData = true
	ds.TotalSamples = len(samples)

	var lastSuccess time.Time
	for _, s := range samples {
		if s.Success {
			ds.SuccessfulSamples++
			lastSuccess = s.Timestamp
		}
	}

	ds.UptimePercentage = float64(ds.SuccessfulSamples) / float64(ds.TotalSamples) * 100

	latest := samples[len(samples)-1]
	ds.LastPingTime = latest.Timestamp
	if latest.Success {
		ds.CurrentStatus = StatusUp
	} else {
		ds.CurrentStatus = StatusDown
	}

	switch {
	case ds.CurrentStatus == StatusUp:
		ds.DowntimeAging = 0
	case !lastSuccess.IsZero():
		ds.DowntimeAging = now.Sub(lastSuccess)
	default:
		// Never successful in the window: age from the first sample seen.
		ds.DowntimeAging = now.Sub(samples[0].Timestamp)
	}
	if ds.DowntimeAging < 0 {
		ds.DowntimeAging = 0
	}

	return ds
}

// ComponentStatusFrom aggregates device statuses into the component view.
//
// Component uptime is the arithmetic mean of device uptimes. The component
// is UP when at least half its devices are UP (ties count as UP), DOWN
// otherwise, and UNKNOWN only when it has no devices at all. Downtime
// aging is the worst device aging.
func ComponentStatusFrom(role Role, devices []DeviceStatus) ComponentStatus {
	cs := ComponentStatus{
		Role:          role,
		Devices:       devices,
		CurrentStatus: StatusUnknown,
	}

	if len(devices) == 0 {
		return cs
	}

	up := 0
	var uptimeSum float64
	for _, d := range devices {
		uptimeSum += d.UptimePercentage
		if d.CurrentStatus == StatusUp {
			up++
		}
		if d.DowntimeAging > cs.DowntimeAging {
			cs.DowntimeAging = d.DowntimeAging
		}
		if d.HasData {
			cs.HasData = true
		}
	}

	cs.UptimePercentage = uptimeSum / float64(len(devices))

	if float64(up) >= float64(len(devices))*0.5 {
		cs.CurrentStatus = StatusUp
	} else {
		cs.CurrentStatus = StatusDown
	}

	return cs
}

// RollUp derives the component status for one role directly from probe data.
func RollUp(data PingData, now time.Time) ComponentStatus {
	devices := make([]DeviceStatus, 0, len(data.Devices))
	for _, ip := range sortedIPs(data.Devices) {
		devices = append(devices, DeviceStatusFrom(ip, data.Role, data.Devices[ip], now))
	}
	return ComponentStatusFrom(data.Role, devices)
}

// MetricsFrom assembles the vessel snapshot from per-role component statuses.
func MetricsFrom(vesselID string, components map[Role]ComponentStatus, now time.Time) VesselMetrics {
	return VesselMetrics{
		VesselID:   vesselID,
		Components: components,
		Timestamp:  now,
	}
}

func sortedIPs(devices map[string][]PingSample) []string {
	ips := make([]string, 0, len(devices))
	for ip := range devices {
		ips = append(ips, ip)
	}
	// Stable ordering keeps derived slices deterministic between runs.
	sort.Strings(ips)
	return ips
}

package bus

// Endpoint names. Every per-device endpoint is keyed 1:1 by device name.

func DeviceInstructions() string { return "device.instructions" }

func DeviceRequestStatus(device string) string { return "device.request_status." + device }

func DeviceStatus(device string) string { return "device.status." + device }

func DeviceStaged(device string) string { return "device.staged." + device }

func DeviceReadback(device string) string { return "device.readback." + device }

func DeviceRead(device string) string { return "device.read." + device }

func ScanStatus() string { return "scan.status" }

func PublicScanInfo(scanID string) string { return "scan.public_info." + scanID }

func ScanNumber() string { return "scan.number" }

func DatasetNumber() string { return "dataset.number" }

func Alarms() string { return "alarms" }

func QueueStatus(queue string) string { return "scans.queue_status." + queue }

// Keys returns endpoint(name) for every name.
func Keys(endpoint func(string) string, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = endpoint(n)
	}
	return out
}

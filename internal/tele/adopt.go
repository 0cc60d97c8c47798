package tele

import (
	"encoding/json"
	"net"
	"runtime"

	"github.com/juju/errors"

	"github.com/flowsense/flowsense/internal/settings"
)

const (
	FirmwareName      = "Flowsense Flow Sensor"
	FirmwareShortName = "flowsense"
	FirmwareMaker     = "Flowsense"

	jsonSchemaVersion = "http://json-schema.org/draft-07/schema#"
)

// AdoptNetwork is the live network identity snapshot embedded into the
// adoption document, supplied by the caller at connect time.
type AdoptNetwork struct {
	Mode string
	IP   net.IP
	MAC  net.HardwareAddr
}

// BuildAdopt renders the retained self-description document a managing
// system consumes to discover this device: firmware and network
// identity plus the config and command schemas.
func BuildAdopt(version string, nw AdoptNetwork) ([]byte, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	ip := ""
	if nw.IP != nil {
		ip = nw.IP.String()
	}
	doc := map[string]interface{}{
		"firmware": map[string]interface{}{
			"name":      FirmwareName,
			"shortName": FirmwareShortName,
			"maker":     FirmwareMaker,
			"version":   version,
		},
		"system": map[string]interface{}{
			"heapUsedBytes": mem.HeapAlloc,
			"heapFreeBytes": mem.HeapIdle,
			"goVersion":     runtime.Version(),
		},
		"network": map[string]interface{}{
			"mode": nw.Mode,
			"ip":   ip,
			"mac":  nw.MAC.String(),
		},
		"configSchema":  configSchema(),
		"commandSchema": commandSchema(),
	}
	b, err := json.Marshal(doc)
	return b, errors.Annotate(err, "adopt marshal")
}

func configSchema() map[string]interface{} {
	props := map[string]interface{}{}
	for _, p := range settings.ConfigSchema() {
		props[p.Name] = map[string]interface{}{
			"title":       p.Title,
			"description": p.Description,
			"type":        p.Type,
			"minimum":     p.Minimum,
			"maximum":     p.Maximum,
		}
	}
	return map[string]interface{}{
		"$schema":    jsonSchemaVersion,
		"title":      FirmwareShortName,
		"type":       "object",
		"properties": props,
	}
}

func commandSchema() map[string]interface{} {
	return map[string]interface{}{
		"$schema": jsonSchemaVersion,
		"title":   FirmwareShortName,
		"type":    "object",
		"properties": map[string]interface{}{
			"restart": map[string]interface{}{
				"title": "Restart",
				"type":  "boolean",
			},
		},
	}
}

// Package deviceinfo gathers the hardware/network facts sendDeviceData
// posts to the TLS server's /devices/info endpoint (spec.md §4.6).
package deviceinfo

import (
	"os"
	"runtime"

	sockaddr "github.com/hashicorp/go-sockaddr"
)

// Info is the device snapshot posted on each sendDeviceData call.
type Info struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	PrivateIP    string `json:"private_ip,omitempty"`
	PublicIP     string `json:"public_ip,omitempty"`
}

// Gather collects the current device snapshot. Network lookups that fail
// (no route, sandboxed device) are left blank rather than failing the
// whole call — sendDeviceData is best-effort telemetry, not a precondition
// for provisioning.
func Gather() Info {
	host, _ := os.Hostname()
	info := Info{
		Hostname:     host,
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
	}
	if priv, err := sockaddr.GetPrivateIP(); err == nil {
		info.PrivateIP = priv
	}
	if pub, err := sockaddr.GetPublicIP(); err == nil {
		info.PublicIP = pub
	}
	return info
}

package router

import (
	"github.com/user/glasslink/logger"
)

func (r *Router) handleWifiCredentials(env Envelope) {
	ssid := env.String("ssid")
	if ssid == "" {
		logger.Debug(r.prefix, "Ignoring wifi credentials without ssid")
		return
	}
	if r.opts.Network == nil {
		logger.Warn(r.prefix, "Cannot join %s: no network controller", ssid)
		return
	}
	logger.Info(r.prefix, "Connecting to wifi network %s", ssid)
	if err := r.opts.Network.ConnectToWifi(ssid, env.String("password")); err != nil {
		logger.Error(r.prefix, "Failed to join %s: %v", ssid, err)
	}
}

func (r *Router) handleWifiStatus(Envelope) {
	if r.opts.Network == nil {
		logger.Warn(r.prefix, "Wifi status requested without a network controller")
		return
	}
	r.NotifyWifiState(r.opts.Network.IsWifiConnected())
}

// NotifyWifiState sends wifi_status. The ssid is reported only while connected.
func (r *Router) NotifyWifiState(connected bool) {
	env := newEnvelope("wifi_status")
	env["connected"] = connected
	ssid := ""
	if connected {
		ssid = "unknown"
		if r.opts.Network != nil {
			if current := r.opts.Network.CurrentSSID(); current != "" {
				ssid = current
			}
		}
	}
	env["ssid"] = ssid
	r.send(env)
}

// handleWifiScan scans off the dispatch path; errors produce an empty result
func (r *Router) handleWifiScan(Envelope) {
	if r.opts.Network == nil {
		logger.Warn(r.prefix, "Cannot scan: no network controller")
		r.sendScanResult(nil)
		return
	}
	r.background(func() {
		networks, err := r.opts.Network.ScanWifiNetworks()
		if err != nil {
			logger.Error(r.prefix, "Wifi scan failed: %v", err)
			networks = nil
		}
		r.sendScanResult(networks)
	})
}

func (r *Router) sendScanResult(networks []string) {
	if networks == nil {
		networks = []string{}
	}
	env := newEnvelope("wifi_scan_result")
	env["networks"] = networks
	r.send(env)
}

func (r *Router) startHotspot() {
	if r.opts.Network == nil {
		logger.Warn(r.prefix, "Hotspot requested without a network controller")
		return
	}
	logger.Info(r.prefix, "Starting access point %q", r.opts.HotspotSSID)
	if err := r.opts.Network.StartAccessPoint(r.opts.HotspotSSID, r.opts.HotspotPassword); err != nil {
		logger.Error(r.prefix, "Failed to start access point: %v", err)
	}
}

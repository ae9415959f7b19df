// Package mqtt relays operational events from the agent's event bus to
// an MQTT broker so dashboards and home automation can follow runs as
// they happen.
//
// Every bus event is published to <prefix>/events/<source>/<kind> as a
// JSON object. A retained daily summary (runs, failures, tool calls,
// tokens) is published to <prefix>/stats after each completed run, and
// <prefix>/availability carries "online" or "offline".
//
// The relay uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. A will message ensures the
// availability topic transitions to "offline" on unexpected
// disconnects.
package mqtt

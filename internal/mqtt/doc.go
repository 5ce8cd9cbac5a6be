// Package mqtt publishes operator signals to an MQTT broker. Every
// event on the internal bus is forwarded to
// <prefix>/events/<source>/<kind>; durability events also update a
// retained <prefix>/durability document so a dashboard joining late
// sees the current checkpoint state. A retained <prefix>/state
// document with room, connection, and daily turn counts is refreshed
// periodically.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the
// availability topic and re-publishes the durability document. A will
// message moves the availability topic to "offline" on unexpected
// disconnects.
package mqtt

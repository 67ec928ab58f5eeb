// Package discovery announces and finds command relays with mDNS/DNS-SD.
//
// A relay advertises one _cmdrelay._tcp instance. The TXT record tells a
// device how to reach the socket:
//
//	path=/socket                      socket endpoint path
//	codecs=cmdrelay.json,cmdrelay.cbor supported WebSocket subprotocols
//	v=1                               wire protocol version
//
// Devices browse for the service type and dial the first relay found.
package discovery

// Package agent relays traffic between backend agents and the routing
// controller: inbound agent messages are normalized and handed to the
// routing layer, routed messages broadcast to every agent connection.
package agent

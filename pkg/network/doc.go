/*
Package network is the hook point for container networking. The core
contract is small on purpose: a callable hook runs inside the child
after namespaces are unshared and before the mount setup; everything
beyond that is a decorator.

The built-in hook covers the common cases — host networking (no new
namespace), an isolated namespace with loopback up, and a macvlan
child of a host interface prepared by the parent and moved in during
the start handshake. Heavier wiring (veth pairs, routes, shaping)
replaces the Hook without touching the supervisor.
*/
package network

// Package proxy implements Gantry's Proxy facade: a thin, single-writer
// L4 port proxy that RuntimeManager reconfigures on every rollover,
// stop, or kill. It is deliberately a facade rather than a wrapper over
// an external binary (contrast an L7 reverse proxy doing virtual-host
// routing): Gantry's proxy only ever does raw TCP forwarding from an
// external port to one container IP:port, which is all the
// PortMapping and component-link model need, and it is the ground
// truth the "connection" termination check (pkg/health) polls.
package proxy

// Package health implements Gantry's check/signal model: a small
// registry mapping a declared "kind" string to a constructor that builds
// a stateless Checker or TerminationSignal bound to one container.
//
// Four kinds of Checker exist: tcp, http, https, and the built-in
// connection termination check, plus three TerminationSignal kinds,
// http, https and exec. A CheckSpec carries {kind, id, timeout, ...extras}; timeout
// is always the *inter-attempt sleep* a caller should wait before
// retrying, never a per-attempt network timeout (tcp/http checks use
// their own short, fixed network timeouts (see dialTimeout and
// requestTimeout) so a slow ready-check config can't accidentally hang
// a dial forever).
//
// Grounded on a Checker interface / Result struct / per-kind checker
// file layout for the Go shape of a pluggable check registry; the kind
// set, the connection-based termination check, and
// the exec termination signal are Gantry's own, grounded on the
// original system's healthcheck.py/terminationcheck.py/
// terminationsignal.py registries (kind-keyed constructors dispatching
// on a small config dict).
package health

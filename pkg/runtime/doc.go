// Package runtime implements RuntimeManager, the process-wide owner of
// every Component on a host, the Proxy facade, and the termination
// worker pool.
//
// Grounded on the original runtime/manager.py (ComponentLinkInformation,
// RuntimeManager.updateProxy/watchTermination/terminateContainer/join)
// and, for the concurrency shape, a ticker-driven control loop idiom
// (reused by pkg/watcher) and a goroutine/channel/WaitGroup pool in
// place of the original's ThreadPool + Queue.
package runtime

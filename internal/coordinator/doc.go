// Package coordinator multiplexes many file-processor clients onto a small
// set of renderer units and routes each response back to its requester by
// RequestID.
//
// Routing rules:
//   - Every dispatched request is recorded as requestID -> reply channel and
//     appended to the owning client's request list.
//   - A matched response is forwarded and its mapping deleted.
//   - A cleanup/abort acknowledgment additionally sweeps the client's other
//     mappings, either immediately or after a grace period (delayed sweep
//     keeps straggling in-flight responses routable instead of orphaning
//     them).
//   - An unmatched response is broadcast to directly registered worker
//     channels first; if none accept it, it is published on the recovery bus
//     tagged with its client and kind. Unroutable control acks are dropped.
//     The coordinator never crashes on an unmatched response.
//
// All routing state is owned by the Coordinator instance, so multiple
// coordinators can coexist in tests without cross-contamination.
package coordinator

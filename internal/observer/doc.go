// Package observer notifies registered services of execution lifecycle
// events.
//
// There are two kinds of observer with different contracts:
//
//   - Authorizer: consulted synchronously, in registration order, before a
//     realm runs. It must return a Verdict; an error or a panic counts as a
//     deny. The first deny stops the chain.
//   - Telemetry: notified asynchronously and best effort. It has no return
//     value and cannot block or fail an execution. Panics are recovered and
//     logged.
//
// Bus owns both lists. It is built at boot and closed at shutdown; Close
// waits for in-flight telemetry deliveries.
package observer

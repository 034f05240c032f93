// Package system provides the lifecycle contract every long-running
// orchestrator component implements, and a Manager that starts/stops a set
// of registered Services together.
package system

import "context"

// Service is a lifecycle-managed component: the API Facade's HTTP listener,
// the Manager's watches and ROT-result loop, a Driver's watch loop and heartbeat
// scheduler, the Notification Engine's subscriber.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Package clock re-exports k8s.io/apimachinery's clock abstraction so every timing decision in
// the placement and reconciliation loops can be swapped for a FakeClock in tests.
package clock

import "k8s.io/apimachinery/pkg/util/clock"

type (
	Clock     = clock.Clock
	FakeClock = clock.FakeClock
	Ticker    = clock.Ticker
)

var (
	NewFakeClock = clock.NewFakeClock
)

// Real is the production clock backed by the operating system.
var Real Clock = clock.RealClock{}

// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the timers plink depends on so that the
// session watchdog, transfer retry timers and the rendezvous uptime
// counter can be driven deterministically in tests.
//
// Production code holds a Clock and uses Real(). Tests use Fake() and
// move time with Advance:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	engine := transfer.NewEngine(channel, transfer.Config{Clock: fake})
//	fake.WaitForTimers(1)
//	fake.Advance(5 * time.Second)
package clock

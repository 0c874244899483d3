// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconcile

import (
	"github.com/prefixd/prefixd/internal/bus"
	"github.com/prefixd/prefixd/internal/mitigation"
)

func busExpiredEvent(m mitigation.Mitigation) bus.LifecycleEvent {
	mm := m
	return bus.LifecycleEvent{Kind: bus.EventMitigationExpired, Mitigation: &mm, MitigationID: m.MitigationID}
}

func busResyncEvent() bus.LifecycleEvent {
	return bus.LifecycleEvent{Kind: bus.EventResyncRequired}
}

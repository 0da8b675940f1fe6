package engine

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"timelyresource.dev/engine/internal/syncutil"
)

// probe is the liveness check a Resource installs with Register: it
// reports whether the Resource is still reachable and, if so, runs its
// pruning pass. Registry never holds a strong reference to the Resource
// itself — the probe closes only over a weak pointer — so a container
// whose owner has dropped every other reference to it can still be
// collected even while its probe is registered here.
type probe func(context.Context) (bool, error)

// Registry is a weak-referenced collection of live Timely Resources,
// swept periodically so that obsolete versions are reclaimed without the
// registry itself keeping any container alive.
type Registry struct {
	mu     syncutil.RWMutex
	probes []probe
	log    *logrus.Entry
}

// NewRegistry returns an empty Registry. A nil logger falls back to
// logrus's standard logger.
func NewRegistry(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{mu: syncutil.NewRWMutex(), log: log}
}

func (reg *Registry) add(p probe) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.probes = append(reg.probes, p)
}

// Len reports how many resources are currently registered, including any
// that have since become unreachable and are awaiting collection during
// the next Sweep.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.probes)
}

// Sweep prunes every live resource in the registry and drops the probes
// for any that have become unreachable. Prune failures from individual
// resources are joined and returned together once the whole sweep has
// run; a failure pruning one resource does not stop the sweep of others.
func (reg *Registry) Sweep(ctx context.Context) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	live := reg.probes[:0]
	var combined error
	pruned, collected := 0, 0
	for _, p := range reg.probes {
		alive, err := p(ctx)
		if !alive {
			collected++
			continue
		}
		live = append(live, p)
		if err != nil {
			combined = errors.CombineErrors(combined, err)
			continue
		}
		pruned++
	}
	reg.probes = live
	reg.log.WithFields(logrus.Fields{
		"pruned":    pruned,
		"collected": collected,
		"remaining": len(reg.probes),
	}).Debug("timely resource sweep complete")
	return combined
}

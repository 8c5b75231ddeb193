package orchestrator

import (
	"sync"

	"github.com/genricoloni/solo/internal/domain"
	"go.uber.org/zap"
)

// Subscribe registers a listener that receives a snapshot after every
// observable registry change. Slow listeners miss snapshots rather than
// stall the orchestrator; the next one they receive is always current.
func (o *Orchestrator) Subscribe(buffer int) (<-chan domain.Snapshot, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan domain.Snapshot, buffer)

	o.subMu.Lock()
	o.nextSub++
	id := o.nextSub
	o.subs[id] = ch
	o.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.subs, id)
			o.subMu.Unlock()
			close(ch)
		})
	}
}

func (o *Orchestrator) publish() {
	snap := o.Query()

	byStatus := map[string]int{
		string(domain.StatusPlaying):    snap.Counts.Playing,
		string(domain.StatusHasMedia):   snap.Counts.HasMedia,
		string(domain.StatusPaused):     snap.Counts.Paused,
		string(domain.StatusMonitoring): snap.Counts.Monitoring,
	}
	o.metrics.Records(byStatus)

	// hold the read lock across sends so unsubscribe cannot close a channel mid-send
	o.subMu.RLock()
	defer o.subMu.RUnlock()
	for _, ch := range o.subs {
		select {
		case ch <- snap:
		default:
			o.metrics.Dropped("snapshot")
			o.dropWarn.Do(func() {
				o.logger.Warn("Snapshot subscriber full, dropping update",
					zap.Int("records", snap.Counts.Total))
			})
		}
	}
}

package fileproc

import "time"

type cacheEntry struct {
	res          *PageResult
	lastAccessed time.Time
}

// sweepLoop evicts cache entries idle past CacheTTL. The entry for the
// currently displayed page and for any page still rendering is never
// evicted.
func (p *Processor) sweepLoop() {
	defer p.bg.Done()

	interval := p.opts.CacheTTL / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.opts.CacheTTL)
			p.mu.Lock()
			for page, entry := range p.cache {
				if page == p.displayed || p.inFlight[page] {
					continue
				}
				if entry.lastAccessed.Before(cutoff) {
					delete(p.cache, page)
				}
			}
			p.mu.Unlock()
		}
	}
}

// CachedPages reports how many page results are currently cached.
func (p *Processor) CachedPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cache)
}

// InFlight reports how many page requests are currently dispatched.
func (p *Processor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlightCount
}

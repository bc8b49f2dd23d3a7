package network

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
)

type Quality string

const (
	QualityNormal Quality = "normal"
	QualitySlow   Quality = "slow"
)

// Status is the process-wide view of device connectivity. It answers only
// "is this device connected to a network", never whether the business
// backend is reachable; that is the prober's job.
type Status struct {
	Online        bool      `json:"online"`
	Quality       Quality   `json:"quality"`
	LastOnlineAt  time.Time `json:"last_online_at,omitempty"`
	LastOfflineAt time.Time `json:"last_offline_at,omitempty"`
}

type Listener func(Status)

// Monitor tracks online/offline transitions via a periodic lightweight HEAD
// probe against a cheap resource and classifies connection quality by probe
// latency. Subscribers get a push on every status change and an explicit
// unsubscribe handle back.
type Monitor struct {
	probeURL      string
	interval      time.Duration
	slowThreshold time.Duration
	client        *http.Client

	mu            sync.RWMutex
	status        Status
	forcedOffline bool
	listeners     map[int]Listener
	nextID        int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewMonitor(cfg config.NetworkConfig) *Monitor {
	interval := cfg.GetProbeInterval()
	return &Monitor{
		probeURL:      cfg.ProbeURL,
		interval:      interval,
		slowThreshold: cfg.GetSlowThreshold(),
		client:        &http.Client{Timeout: cfg.GetProberTimeout()},
		status: Status{
			Online:       true,
			Quality:      QualityNormal,
			LastOnlineAt: time.Now(),
		},
		listeners: make(map[int]Listener),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the probe loop. Without a probe URL the monitor stays in
// its optimistic online state and only forced-offline toggles move it.
func (m *Monitor) Start() {
	if m.probeURL == "" {
		logger.Log.Info("Network monitor running without probe URL")
		close(m.done)
		return
	}

	go func() {
		defer close(m.done)
		m.probe()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probe()
			case <-m.stop:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Online && !m.forcedOffline
}

func (m *Monitor) IsSlow() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Quality == QualitySlow
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.status
	if m.forcedOffline {
		st.Online = false
	}
	return st
}

// Subscribe registers a listener and returns its unsubscribe function.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// SetForcedOffline overrides connectivity for testing and ops. While forced
// offline the monitor reports offline regardless of probe results.
func (m *Monitor) SetForcedOffline(offline bool) {
	m.mu.Lock()
	changed := m.forcedOffline != offline
	m.forcedOffline = offline
	if changed {
		if offline {
			m.status.LastOfflineAt = time.Now()
		} else {
			m.status.LastOnlineAt = time.Now()
		}
	}
	st := m.status
	st.Online = m.status.Online && !offline
	m.mu.Unlock()

	if changed {
		logger.Log.Info("Forced offline mode changed", zap.Bool("offline", offline))
		m.notify(st)
	}
}

func (m *Monitor) probe() {
	start := time.Now()
	req, err := http.NewRequest(http.MethodHead, m.probeURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.client.Do(req)
	latency := time.Since(start)

	online := err == nil
	quality := QualityNormal
	if resp != nil {
		resp.Body.Close()
		if latency > m.slowThreshold || resp.StatusCode >= 500 {
			quality = QualitySlow
		}
	}

	m.mu.Lock()
	prev := m.status
	m.status.Quality = quality
	if online != prev.Online {
		m.status.Online = online
		if online {
			m.status.LastOnlineAt = time.Now()
		} else {
			m.status.LastOfflineAt = time.Now()
		}
	}
	changed := online != prev.Online || quality != prev.Quality
	forced := m.forcedOffline
	st := m.status
	st.Online = st.Online && !forced
	m.mu.Unlock()

	if !changed {
		return
	}

	if online != prev.Online {
		if online {
			logger.Log.Info("Network back online", zap.Duration("latency", latency))
		} else {
			logger.Log.Warn("Network gone offline", zap.Error(err))
		}
	}
	m.notify(st)
}

func (m *Monitor) notify(st Status) {
	m.mu.RLock()
	fns := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(st)
	}
}

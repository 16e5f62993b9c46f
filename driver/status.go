package driver

// LinkStatus is a snapshot of the link for status displays. Broadcast to
// the wizard UI on every change.
type LinkStatus struct {
	State     string `json:"state"`
	Endpoint  string `json:"endpoint,omitempty"`
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
}

// StatusCallback is invoked after every state change, while the link's
// lock is held; keep implementations cheap.
type StatusCallback func(LinkStatus)

// SetStatusCallback registers the change callback after construction, for
// consumers that need the link to exist first.
func (l *Link) SetStatusCallback(cb StatusCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = cb
}

// Status returns the current snapshot.
func (l *Link) Status() LinkStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

func (l *Link) statusLocked() LinkStatus {
	return LinkStatus{
		State:     l.state.String(),
		Endpoint:  l.endpoint,
		Connected: l.state == Connected,
		LastError: l.lastErr,
	}
}

func (l *Link) notifyLocked() {
	if l.onChange != nil {
		l.onChange(l.statusLocked())
	}
}

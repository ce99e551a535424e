package metrics

// NoopCollector discards every measurement.
type NoopCollector struct{}

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (*NoopCollector) BlockCommitted(uint64, int) {}
func (*NoopCollector) WindowRewound(uint64, uint64) {}
func (*NoopCollector) StaleEventDropped(uint64) {}
func (*NoopCollector) BufferDepth(int) {}
func (*NoopCollector) DecodeFailed() {}
func (*NoopCollector) ChangeDropped() {}
func (*NoopCollector) PushAttempted(bool) {}
func (*NoopCollector) PushRetried() {}
func (*NoopCollector) SubscriberDeactivated(string) {}
func (*NoopCollector) ActiveSubscribers(int) {}

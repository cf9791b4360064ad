package invoicerelay

import (
	"strings"
	"sync"
)

type TrackingStoreFactory func(dsn string) (TrackingStore, error)
type MessageQueueFactory func(dsn string, opts QueueOptions) (MessageQueue, error)
type ObjectStoreFactory func(dsn string) (ObjectStore, error)

var backendFactoryRegistry = struct {
	mu       sync.RWMutex
	tracking map[string]TrackingStoreFactory
	queues   map[string]MessageQueueFactory
	objects  map[string]ObjectStoreFactory
}{
	tracking: map[string]TrackingStoreFactory{},
	queues:   map[string]MessageQueueFactory{},
	objects:  map[string]ObjectStoreFactory{},
}

func RegisterTrackingStoreFactory(scheme string, factory TrackingStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.tracking[scheme] = factory
}

func RegisterMessageQueueFactory(scheme string, factory MessageQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queues[scheme] = factory
}

func RegisterObjectStoreFactory(scheme string, factory ObjectStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.objects[scheme] = factory
}

func lookupTrackingStoreFactory(scheme string) (TrackingStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.tracking[scheme]
	return factory, ok
}

func lookupMessageQueueFactory(scheme string) (MessageQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queues[scheme]
	return factory, ok
}

func lookupObjectStoreFactory(scheme string) (ObjectStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.objects[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
